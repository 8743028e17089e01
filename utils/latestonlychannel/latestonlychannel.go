/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

import "context"

// Wrap creates a channel pipe which lets a producer publish values without
// waiting on a slow consumer.  Only the most recent value is retained, older
// ones are dropped once a newer value arrives on the input channel.
//
// The output channel is closed once the input channel is closed or ctx is
// done.  Producers must select on ctx as well, since nothing reads the input
// channel after that point.
func Wrap[T any](ctx context.Context, inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			var latest T
			select {
			case value, ok := <-inputCh:
				if !ok {
					return
				}
				latest = value
			case <-ctx.Done():
				return
			}

			// keep replacing the pending value until the consumer takes
			// it, so count(outputCh) <= count(inputCh)
		SendLoop:
			for {
				select {
				case outputCh <- latest:
					break SendLoop
				case value, ok := <-inputCh:
					if !ok {
						return
					}
					latest = value
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outputCh
}

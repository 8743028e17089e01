/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package memdmock provides an in-process memcached binary protocol server
// backed by an in-memory bucket, for exercising the client against real
// sockets in tests.
package memdmock

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/couchbase/gocbcore/v10/memd"
)

type Document struct {
	Value    []byte
	Flags    uint32
	Expiry   uint32
	Datatype uint8
	Cas      uint64
}

// Bucket is a document store which may be shared between several servers
// to mimic a cluster.
type Bucket struct {
	lock    sync.Mutex
	docs    map[string]*Document
	lastCas uint64
}

func NewBucket() *Bucket {
	return &Bucket{
		docs: make(map[string]*Document),
	}
}

func (b *Bucket) newCasLocked() uint64 {
	b.lastCas++
	return b.lastCas
}

// Get returns a copy of the document stored under key.
func (b *Bucket) Get(key string) (*Document, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()

	doc, ok := b.docs[key]
	if !ok {
		return nil, false
	}

	docCopy := *doc
	return &docCopy, true
}

// Put stores a document directly, bypassing the protocol.
func (b *Bucket) Put(key string, doc *Document) uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()

	docCopy := *doc
	docCopy.Cas = b.newCasLocked()
	b.docs[key] = &docCopy
	return docCopy.Cas
}

func (b *Bucket) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.docs)
}

type response struct {
	status   memd.StatusCode
	cas      uint64
	datatype uint8
	extras   []byte
	value    []byte
}

func (b *Bucket) execute(pak *memd.Packet) *response {
	switch pak.Command {
	case memd.CmdGet:
		return b.get(pak)
	case memd.CmdSet, memd.CmdAdd, memd.CmdReplace:
		return b.store(pak)
	case memd.CmdDelete:
		return b.delete(pak)
	case memd.CmdIncrement, memd.CmdDecrement:
		return b.arithmetic(pak)
	}

	return &response{status: memd.StatusUnknownCommand}
}

func (b *Bucket) get(pak *memd.Packet) *response {
	b.lock.Lock()
	defer b.lock.Unlock()

	doc, ok := b.docs[string(pak.Key)]
	if !ok {
		return &response{status: memd.StatusKeyNotFound}
	}

	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, doc.Flags)

	return &response{
		status:   memd.StatusSuccess,
		cas:      doc.Cas,
		datatype: doc.Datatype,
		extras:   extras,
		value:    append([]byte(nil), doc.Value...),
	}
}

func (b *Bucket) store(pak *memd.Packet) *response {
	if len(pak.Extras) != 8 {
		return &response{status: memd.StatusInvalidArgs}
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	key := string(pak.Key)
	doc, exists := b.docs[key]

	switch pak.Command {
	case memd.CmdAdd:
		if exists {
			return &response{status: memd.StatusKeyExists}
		}
	case memd.CmdReplace:
		if !exists {
			return &response{status: memd.StatusKeyNotFound}
		}
	}

	if pak.Cas != 0 {
		if !exists {
			return &response{status: memd.StatusKeyNotFound}
		}
		if doc.Cas != pak.Cas {
			return &response{status: memd.StatusKeyExists}
		}
	}

	newDoc := &Document{
		Value:    append([]byte(nil), pak.Value...),
		Flags:    binary.BigEndian.Uint32(pak.Extras[0:]),
		Expiry:   binary.BigEndian.Uint32(pak.Extras[4:]),
		Datatype: pak.Datatype,
		Cas:      b.newCasLocked(),
	}
	b.docs[key] = newDoc

	return &response{
		status: memd.StatusSuccess,
		cas:    newDoc.Cas,
	}
}

func (b *Bucket) delete(pak *memd.Packet) *response {
	b.lock.Lock()
	defer b.lock.Unlock()

	key := string(pak.Key)
	doc, exists := b.docs[key]
	if !exists {
		return &response{status: memd.StatusKeyNotFound}
	}
	if pak.Cas != 0 && doc.Cas != pak.Cas {
		return &response{status: memd.StatusKeyExists}
	}

	delete(b.docs, key)
	return &response{
		status: memd.StatusSuccess,
		cas:    b.newCasLocked(),
	}
}

func (b *Bucket) arithmetic(pak *memd.Packet) *response {
	if len(pak.Extras) != 20 {
		return &response{status: memd.StatusInvalidArgs}
	}

	delta := binary.BigEndian.Uint64(pak.Extras[0:])
	initial := binary.BigEndian.Uint64(pak.Extras[8:])
	expiry := binary.BigEndian.Uint32(pak.Extras[16:])

	b.lock.Lock()
	defer b.lock.Unlock()

	key := string(pak.Key)
	doc, exists := b.docs[key]

	var counter uint64
	if !exists {
		if expiry == 0xffffffff {
			return &response{status: memd.StatusKeyNotFound}
		}
		counter = initial
		doc = &Document{Expiry: expiry}
	} else {
		if pak.Cas != 0 && doc.Cas != pak.Cas {
			return &response{status: memd.StatusKeyExists}
		}

		current, err := strconv.ParseUint(string(doc.Value), 10, 64)
		if err != nil {
			return &response{status: memd.StatusBadDelta}
		}

		if pak.Command == memd.CmdIncrement {
			counter = current + delta
		} else if delta > current {
			counter = 0
		} else {
			counter = current - delta
		}
	}

	doc.Value = []byte(strconv.FormatUint(counter, 10))
	doc.Datatype = 0
	doc.Cas = b.newCasLocked()
	b.docs[key] = doc

	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, counter)

	return &response{
		status: memd.StatusSuccess,
		cas:    doc.Cas,
		value:  value,
	}
}

/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package cbconfig

type VBucketServerMapJson struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap,omitempty"`
}

type TerseNodeJson struct {
	CouchApiBase string         `json:"couchApiBase,omitempty"`
	Hostname     string         `json:"hostname,omitempty"`
	Ports        map[string]int `json:"ports,omitempty"`
}

type TerseExtNodeJson struct {
	Services map[string]int `json:"services,omitempty"`
	ThisNode bool           `json:"thisNode,omitempty"`
	Hostname string         `json:"hostname,omitempty"`
}

type TerseConfigJson struct {
	Rev                int                   `json:"rev,omitempty"`
	RevEpoch           int                   `json:"revEpoch,omitempty"`
	Name               string                `json:"name,omitempty"`
	NodeLocator        string                `json:"nodeLocator,omitempty"`
	UUID               string                `json:"uuid,omitempty"`
	URI                string                `json:"uri,omitempty"`
	BucketCapabilities []string              `json:"bucketCapabilities,omitempty"`
	VBucketServerMap   *VBucketServerMapJson `json:"vBucketServerMap,omitempty"`
	Nodes              []TerseNodeJson       `json:"nodes,omitempty"`
	NodesExt           []TerseExtNodeJson    `json:"nodesExt,omitempty"`
}

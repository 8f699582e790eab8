// Copyright 2026 The Polygen Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package model defines the wire-level data shapes shared by the policy
// generator's subsystems: usage keys published by proxies into the store,
// and the records parsed out of them.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// UserKey is an opaque, printable tenant identifier. It must be alphanumeric.
type UserKey string

// IsValid reports whether k is alphanumeric and non-empty, per the invariant
// that every UserKey parsed from a counter key is alphanumeric.
func (k UserKey) IsValid() bool {
	if k == "" {
		return false
	}
	for _, r := range string(k) {
		if !isAlnum(r) {
			return false
		}
	}
	return true
}

func isAlnum(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// Endpoint is a named storage endpoint, e.g. "dev.dc".
type Endpoint string

// ProxyInstance identifies one HAProxy process fronting an Endpoint.
type ProxyInstance struct {
	Endpoint Endpoint
	Host     string
	Port     int
}

func (p ProxyInstance) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Direction is the transfer direction of a bandwidth measurement.
type Direction int

const (
	Up Direction = iota + 1
	Down
)

// ParseDirection parses the wire forms "up" and "dwn".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up":
		return Up, nil
	case "dwn":
		return Down, nil
	default:
		return 0, fmt.Errorf("invalid connection direction: %q", s)
	}
}

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "dwn"
}

// UsageCategory is the aspect being limited, e.g. "user_GET" or "user_bnd_up".
type UsageCategory string

const (
	CategoryConns UsageCategory = "user_conns"
	CategoryBndUp UsageCategory = "user_bnd_up"
	CategoryBndDn UsageCategory = "user_bnd_dwn"
)

// IsBandwidth reports whether the category is a bandwidth-limited category.
func (c UsageCategory) IsBandwidth() bool {
	return strings.Contains(string(c), "_bnd_")
}

// IsConns reports whether the category is the active-connections category.
func (c UsageCategory) IsConns() bool {
	return strings.Contains(string(c), "_conns")
}

// verbFields is the closed set of HTTP-verb-shaped field suffixes that may
// appear in a "verb_*" counter hash, in a stable enumeration order used for
// deterministic message generation.
var verbFields = []string{
	"GET", "PUT", "POST", "DELETE", "HEAD",
	"LISTOBJECTSV2", "LISTMULTIPARTUPLOADS", "LISTOBJECTVERSIONS",
	"LISTBUCKETS", "LISTOBJECTS", "GETOBJECT", "DELETEOBJECTS",
	"DELETEOBJECT", "CREATEBUCKET",
}

// CategoryEnumerationOrder returns every known usage category in a fixed
// order: verb categories first (in verbFields order), then bandwidth, then
// connection/request-block categories. Bookkeeper message generation walks
// categories in this order so tests can depend on it.
func CategoryEnumerationOrder() []UsageCategory {
	out := make([]UsageCategory, 0, len(verbFields)+4)
	for _, v := range verbFields {
		out = append(out, UsageCategory("user_"+v))
	}
	out = append(out, CategoryBndUp, CategoryBndDn, "user_reqs_block", "user_reqs_unblock")
	return out
}

// UsageRecord is a single (user, endpoint, category) -> counter reading for
// one epoch, parsed from a "verb_<epoch>_user_<access>$<endpoint>" key plus
// one field/value pair returned by the server-side script.
type UsageRecord struct {
	Epoch    int64
	User     UserKey
	Endpoint Endpoint
	Category UsageCategory
	Value    int64
}

// ParseVerbKey parses a key of the form "verb_<epoch>_user_<access>$<endpoint>".
// It validates the shape and the access key's alphanumeric invariant, but does
// not attach a field/value pair — callers add the Category/Value after
// resolving the field name returned alongside the key by the store.
func ParseVerbKey(key string) (epoch int64, user UserKey, endpoint Endpoint, err error) {
	items := strings.Split(key, "_")
	if len(items) != 4 || items[0] != "verb" || items[2] != "user" {
		return 0, "", "", fmt.Errorf("invalid verb key %q", key)
	}
	epoch, convErr := strconv.ParseInt(items[1], 10, 64)
	if convErr != nil {
		return 0, "", "", fmt.Errorf("invalid verb key %q: bad epoch: %w", key, convErr)
	}
	accessEndpoint := items[3]
	parts := strings.SplitN(accessEndpoint, "$", 2)
	if len(parts) != 2 {
		return 0, "", "", fmt.Errorf("invalid user access key and endpoint pair in %q", key)
	}
	user = UserKey(parts[0])
	if !user.IsValid() {
		return 0, "", "", fmt.Errorf("access_key=%q has invalid format for key %q", user, key)
	}
	return epoch, user, Endpoint(parts[1]), nil
}

// FormatVerbKey is the inverse of ParseVerbKey, used to round-trip
// well-formed UsageRecords back to their source key string.
func FormatVerbKey(epoch int64, user UserKey, endpoint Endpoint) string {
	return fmt.Sprintf("verb_%d_user_%s$%s", epoch, user, endpoint)
}

// VerbCategory maps a raw field name (e.g. "GET", "bnd_up") to its
// "user_<field>" category name.
func VerbCategory(field string) UsageCategory {
	return UsageCategory("user_" + field)
}

// ConnKeyVersion distinguishes the two connection-key wire formats.
type ConnKeyVersion int

const (
	ConnV1 ConnKeyVersion = iota + 1
	ConnV2
)

// ConnKey is a parsed connection-count key (either version).
type ConnKey struct {
	Version    ConnKeyVersion
	User       UserKey
	Endpoint   Endpoint
	Direction  Direction      // only set for ConnV2
	InstanceID string         // only set for ConnV2
}

// ParseConnKey parses "conn_user_<access>$<endpoint>" (v1) or
// "conn_v2_user_<dir>_<instance>_<access>$<endpoint>" (v2).
func ParseConnKey(key string) (ConnKey, error) {
	items := strings.Split(key, "_")
	if len(items) < 2 || items[0] != "conn" {
		return ConnKey{}, fmt.Errorf("invalid active-requests key %q: unrecognised prefix", key)
	}

	switch items[1] {
	case "user":
		if len(items) != 3 {
			return ConnKey{}, fmt.Errorf("invalid v1 active-requests key %q", key)
		}
		user, endpoint, err := splitAccessEndpoint(items[2])
		if err != nil {
			return ConnKey{}, fmt.Errorf("%w for key %q", err, key)
		}
		return ConnKey{Version: ConnV1, User: user, Endpoint: endpoint}, nil
	case "v2":
		if len(items) != 6 || items[2] != "user" {
			return ConnKey{}, fmt.Errorf("invalid v2 active-requests key %q", key)
		}
		dir, err := ParseDirection(items[3])
		if err != nil {
			return ConnKey{}, fmt.Errorf("invalid v2 active-requests key %q: %w", key, err)
		}
		instanceID := items[4]
		user, endpoint, err := splitAccessEndpoint(items[5])
		if err != nil {
			return ConnKey{}, fmt.Errorf("%w for key %q", err, key)
		}
		return ConnKey{
			Version:    ConnV2,
			User:       user,
			Endpoint:   endpoint,
			Direction:  dir,
			InstanceID: instanceID,
		}, nil
	default:
		return ConnKey{}, fmt.Errorf("invalid active-requests key %q: unrecognised version", key)
	}
}

func splitAccessEndpoint(s string) (UserKey, Endpoint, error) {
	parts := strings.SplitN(s, "$", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid user access key and endpoint pair: %q", s)
	}
	user := UserKey(parts[0])
	if !user.IsValid() {
		return "", "", fmt.Errorf("access_key=%q has invalid format", user)
	}
	return user, Endpoint(parts[1]), nil
}

// Format reconstructs the source key string for a ConnKey, the inverse of
// ParseConnKey, for well-formed inputs.
func (c ConnKey) Format() string {
	if c.Version == ConnV1 {
		return fmt.Sprintf("conn_user_%s$%s", c.User, c.Endpoint)
	}
	return fmt.Sprintf("conn_v2_user_%s_%s_%s$%s", c.Direction, c.InstanceID, c.User, c.Endpoint)
}

// ActiveRequestsUsage is a merged connection-count observation for one user
// at one endpoint in one epoch: the v1/v2 per-instance/per-direction counts
// collapsed into a single total, as required before the block/unblock
// decision is made.
type ActiveRequestsUsage struct {
	Epoch    int64
	User     UserKey
	Endpoint Endpoint
	Count    int64
}

// MergeKey identifies the (user, endpoint, epoch) grouping used to merge
// v1/v2 connection records, mirroring metric_service.merge_metrics_by_key;
// the record type is implied, since only ActiveRequestsUsage is merged.
type MergeKey struct {
	User     UserKey
	Endpoint Endpoint
	Epoch    int64
}

// MergeActiveRequests sums Count for every ActiveRequestsUsage sharing a
// MergeKey, collapsing per-direction/per-instance v2 counters (and any
// v1 counters) into one per-user-per-endpoint total.
func MergeActiveRequests(in []ActiveRequestsUsage) []ActiveRequestsUsage {
	order := make([]MergeKey, 0, len(in))
	byKey := make(map[MergeKey]*ActiveRequestsUsage, len(in))
	for _, rec := range in {
		key := MergeKey{User: rec.User, Endpoint: rec.Endpoint, Epoch: rec.Epoch}
		if existing, ok := byKey[key]; ok {
			existing.Count += rec.Count
			continue
		}
		cp := rec
		byKey[key] = &cp
		order = append(order, key)
	}
	out := make([]ActiveRequestsUsage, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// DemandKey identifies a (user, direction) pair for fair-share computation.
type DemandKey struct {
	User      UserKey
	Direction Direction
}

// DemandMap maps (user, direction) -> instance-id -> outstanding request count.
type DemandMap map[DemandKey]map[string]int64

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

// Package bookkeeper de-duplicates violations within an epoch and formats
// the outbound message lines the detector hands to dispatch.
package bookkeeper

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"polygen/internal/model"
)

// DiffRatioResendFactor is the minimum increase in over-limit ratio that
// re-arms an already-sent bandwidth violation within the same epoch.
const DiffRatioResendFactor = 0.15

// groupKey identifies one outbound message's (endpoint, category) group.
type groupKey struct {
	Endpoint model.Endpoint
	Category model.UsageCategory
}

type group struct {
	newKeys  map[model.UserKey]float64 // ratio, only meaningful for bandwidth categories
	sentKeys map[model.UserKey]float64
}

func newGroup() *group {
	return &group{
		newKeys:  map[model.UserKey]float64{},
		sentKeys: map[model.UserKey]float64{},
	}
}

// Bookkeeper accumulates violations for a single epoch and produces
// deduplicated outbound message lines when asked. It is thread-confined to
// the detector task that owns it: no internal locking.
type Bookkeeper struct {
	epoch  int64
	groups map[groupKey]*group
}

// New returns an empty Bookkeeper. Epoch is seeded on the first AddViolation.
func New() *Bookkeeper {
	return &Bookkeeper{groups: map[groupKey]*group{}}
}

func (b *Bookkeeper) resetIfNewEpoch(epochTime float64) {
	epoch := int64(math.Floor(epochTime))
	if epoch > b.epoch {
		b.epoch = epoch
		b.groups = map[groupKey]*group{}
	}
}

// AddViolation records one over-limit observation. epochTime is the
// fractional Unix time the observation belongs to; diffRatio only matters for
// bandwidth categories and is ignored otherwise.
func (b *Bookkeeper) AddViolation(epochTime float64, endpoint model.Endpoint, category model.UsageCategory, user model.UserKey, diffRatio float64) {
	b.resetIfNewEpoch(epochTime)

	key := groupKey{Endpoint: endpoint, Category: category}
	g, ok := b.groups[key]
	if !ok {
		g = newGroup()
		b.groups[key] = g
	}

	sentRatio, sent := g.sentKeys[user]
	switch {
	case !sent:
		g.newKeys[user] = diffRatio
	case category.IsBandwidth() && diffRatio-sentRatio > DiffRatioResendFactor:
		g.newKeys[user] = diffRatio
		delete(g.sentKeys, user)
	default:
		// already sent this epoch and not a significant enough change: drop.
	}
}

// Message is one rendered outbound policy line plus the endpoint it targets.
type Message struct {
	Endpoint model.Endpoint
	Line     string
}

// PrepareAndDispatch renders one message per non-empty (endpoint, category)
// group that has pending new_keys, in category-enumeration order for each
// endpoint (endpoints themselves sorted for determinism), then moves those
// keys from new_keys into sent_keys and clears new_keys.
func (b *Bookkeeper) PrepareAndDispatch(epochTime float64) []Message {
	b.resetIfNewEpoch(epochTime)

	endpoints := map[model.Endpoint]struct{}{}
	for key := range b.groups {
		endpoints[key.Endpoint] = struct{}{}
	}
	sortedEndpoints := make([]model.Endpoint, 0, len(endpoints))
	for e := range endpoints {
		sortedEndpoints = append(sortedEndpoints, e)
	}
	sort.Slice(sortedEndpoints, func(i, j int) bool { return sortedEndpoints[i] < sortedEndpoints[j] })

	categoryOrder := model.CategoryEnumerationOrder()

	var out []Message
	for _, endpoint := range sortedEndpoints {
		for _, category := range categoryOrder {
			key := groupKey{Endpoint: endpoint, Category: category}
			g, ok := b.groups[key]
			if !ok || len(g.newKeys) == 0 {
				continue
			}
			line := renderLine(epochTime, category, g.newKeys)
			out = append(out, Message{Endpoint: endpoint, Line: line})

			for user, ratio := range g.newKeys {
				g.sentKeys[user] = ratio
			}
			g.newKeys = map[model.UserKey]float64{}
		}
	}
	return out
}

func renderLine(epochTime float64, category model.UsageCategory, users map[model.UserKey]float64) string {
	userKeys := make([]model.UserKey, 0, len(users))
	for u := range users {
		userKeys = append(userKeys, u)
	}
	sort.Slice(userKeys, func(i, j int) bool { return userKeys[i] < userKeys[j] })

	switch {
	case isBlockCategory(category):
		parts := make([]string, 0, len(userKeys)+1)
		parts = append(parts, string(category))
		for _, u := range userKeys {
			parts = append(parts, string(u))
		}
		return strings.Join(parts, ",")
	case category.IsBandwidth():
		epochUs := int64(math.Floor(epochTime * 1_000_000))
		parts := make([]string, 0, len(userKeys)+2)
		parts = append(parts, fmt.Sprintf("%d", epochUs), string(category))
		for _, u := range userKeys {
			parts = append(parts, fmt.Sprintf("%s:%.1f", u, users[u]))
		}
		return strings.Join(parts, ",")
	default:
		epochUs := int64(math.Floor(epochTime * 1_000_000))
		parts := make([]string, 0, len(userKeys)+2)
		parts = append(parts, fmt.Sprintf("%d", epochUs), string(category))
		for _, u := range userKeys {
			parts = append(parts, string(u))
		}
		return strings.Join(parts, ",")
	}
}

func isBlockCategory(category model.UsageCategory) bool {
	return category == "user_reqs_block" || category == "user_reqs_unblock"
}

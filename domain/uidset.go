// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "sort"

// UidSet collects the message uids denied during one cycle. Uids are only
// ever added; duplicate correlation may flag a message that was already
// denied by a rule.
type UidSet struct {
	uids map[uint32]struct{}
}

func NewUidSet() *UidSet {
	return &UidSet{uids: map[uint32]struct{}{}}
}

func (s *UidSet) Add(uid uint32) {
	s.uids[uid] = struct{}{}
}

func (s *UidSet) Contains(uid uint32) bool {
	_, ok := s.uids[uid]
	return ok
}

func (s *UidSet) Len() int {
	return len(s.uids)
}

// Uids returns the members in ascending order.
func (s *UidSet) Uids() []uint32 {
	uids := make([]uint32, 0, len(s.uids))
	for uid := range s.uids {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

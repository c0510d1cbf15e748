package loopstate

import (
	"fmt"
	"sort"
)

// IterKey addresses one iterator of one stage.
type IterKey struct {
	Stage int
	Iter  int
}

// AttachMap stores compute_at relations in both directions. The two halves
// are kept mutually inverse by every update; Check verifies the invariant.
type AttachMap struct {
	// StageToIter maps an attached stage to the iterator it is attached at.
	StageToIter map[int]IterKey
	// IterToStages maps an iterator to the stages attached at it, in
	// ascending stage order.
	IterToStages map[IterKey][]int
}

// NewAttachMap returns an empty attach map.
func NewAttachMap() AttachMap {
	return AttachMap{
		StageToIter:  make(map[int]IterKey),
		IterToStages: make(map[IterKey][]int),
	}
}

// clone deep-copies both halves.
func (m AttachMap) clone() AttachMap {
	out := NewAttachMap()
	for k, v := range m.StageToIter {
		out.StageToIter[k] = v
	}
	for k, v := range m.IterToStages {
		out.IterToStages[k] = append([]int(nil), v...)
	}
	return out
}

// SetAttach records that stage is computed at key, replacing any previous
// attachment.
func (m AttachMap) SetAttach(stage int, key IterKey) {
	m.DeleteStage(stage)
	m.StageToIter[stage] = key
	list := append(m.IterToStages[key], stage)
	sort.Ints(list)
	m.IterToStages[key] = list
}

// DeleteStage removes any attachment of stage.
func (m AttachMap) DeleteStage(stage int) {
	key, ok := m.StageToIter[stage]
	if !ok {
		return
	}
	delete(m.StageToIter, stage)
	list := m.IterToStages[key]
	for i, s := range list {
		if s == stage {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.IterToStages, key)
	} else {
		m.IterToStages[key] = list
	}
}

// ShiftStageIDs renumbers every stage id >= from by delta, in both halves.
// Used when cache/rfactor steps insert a stage into the middle of the list.
func (m *AttachMap) ShiftStageIDs(from, delta int) {
	s2i := make(map[int]IterKey, len(m.StageToIter))
	for stage, key := range m.StageToIter {
		if stage >= from {
			stage += delta
		}
		if key.Stage >= from {
			key.Stage += delta
		}
		s2i[stage] = key
	}
	i2s := make(map[IterKey][]int, len(m.IterToStages))
	for key, stages := range m.IterToStages {
		if key.Stage >= from {
			key.Stage += delta
		}
		out := make([]int, len(stages))
		for i, s := range stages {
			if s >= from {
				s += delta
			}
			out[i] = s
		}
		i2s[key] = out
	}
	m.StageToIter = s2i
	m.IterToStages = i2s
}

// RemapIters renumbers iterator ids of one target stage after a split, fuse
// or reorder changed that stage's iterator layout. remap must be total.
func (m *AttachMap) RemapIters(stage int, remap func(iter int) int) {
	touched := false
	for _, key := range m.StageToIter {
		if key.Stage == stage {
			touched = true
			break
		}
	}
	if !touched {
		return
	}
	i2s := make(map[IterKey][]int, len(m.IterToStages))
	for key, stages := range m.IterToStages {
		if key.Stage == stage {
			key.Iter = remap(key.Iter)
		}
		i2s[key] = stages
	}
	m.IterToStages = i2s
	for s, key := range m.StageToIter {
		if key.Stage == stage {
			key.Iter = remap(key.Iter)
			m.StageToIter[s] = key
		}
	}
}

// Check verifies that the two halves are mutual inverses.
func (m AttachMap) Check() error {
	for stage, key := range m.StageToIter {
		found := false
		for _, s := range m.IterToStages[key] {
			if s == stage {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("attach map: stage %d -> %v missing from reverse index", stage, key)
		}
	}
	for key, stages := range m.IterToStages {
		if len(stages) == 0 {
			return fmt.Errorf("attach map: empty stage list for %v", key)
		}
		for _, s := range stages {
			if got, ok := m.StageToIter[s]; !ok || got != key {
				return fmt.Errorf("attach map: %v lists stage %d but forward entry is %v", key, s, got)
			}
		}
	}
	return nil
}

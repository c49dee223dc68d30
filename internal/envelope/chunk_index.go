package envelope

import "sort"

// ValidateChunkIndex checks spec §8's invariant: the index covers
// [1..latestMutationId] with no gap and no overlap. An empty index is valid
// only when latestMutationId is 0.
func ValidateChunkIndex(index []ChunkRef, latestMutationID uint64) bool {
	if latestMutationID == 0 {
		return len(index) == 0
	}
	sorted := append([]ChunkRef(nil), index...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartID < sorted[j].StartID })

	expected := uint64(1)
	for _, c := range sorted {
		if c.StartID != expected || c.EndID < c.StartID {
			return false
		}
		expected = c.EndID + 1
	}
	return expected == latestMutationID+1
}

// AppendChunk appends {startId, endId, cid} to index, keeping it sorted by
// StartID (spec §4.8 step 3).
func AppendChunk(index []ChunkRef, startID, endID uint64, cid string) []ChunkRef {
	out := append([]ChunkRef(nil), index...)
	out = append(out, ChunkRef{StartID: startID, EndID: endID, CID: cid})
	sort.Slice(out, func(i, j int) bool { return out[i].StartID < out[j].StartID })
	return out
}

// ChunksAfter returns the chunks whose EndID exceeds lastSyncedID, i.e. the
// ones a peer still needs to fetch (spec §4.9 step 2d).
func ChunksAfter(index []ChunkRef, lastSyncedID uint64) []ChunkRef {
	var out []ChunkRef
	for _, c := range index {
		if c.EndID > lastSyncedID {
			out = append(out, c)
		}
	}
	return out
}

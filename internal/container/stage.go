package container

import (
	"io"

	"github.com/orcaman/writerseeker"
)

// StageHeaderAndIndex assembles the CSO/ZSO header followed by its index
// table into one contiguous in-memory region, the way squashfs.Writer
// stages its superblock before a single seek-back write. Building it in
// memory first means Output only ever issues one positioned write for
// the whole header+index region, instead of one write per field.
func StageHeaderAndIndex(h *Header, idx *CsoIndex) ([]byte, error) {
	var ws writerseeker.WriterSeeker
	if _, err := ws.Write(h.Marshal()); err != nil {
		return nil, err
	}
	if _, err := ws.Write(idx.Marshal()); err != nil {
		return nil, err
	}
	r := ws.Reader()
	return io.ReadAll(r)
}

// StageDaxHeaderAndIndex assembles the DAX header followed by its
// offsets/sizes/NC-area index into one contiguous in-memory region.
func StageDaxHeaderAndIndex(h *DaxHeader, idx *DaxIndex) ([]byte, error) {
	var ws writerseeker.WriterSeeker
	if _, err := ws.Write(h.Marshal()); err != nil {
		return nil, err
	}
	if _, err := ws.Write(idx.Marshal()); err != nil {
		return nil, err
	}
	r := ws.Reader()
	return io.ReadAll(r)
}

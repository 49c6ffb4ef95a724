package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var errNotWAV = errors.New("not a RIFF/WAVE file")

// wavInfo describes where the sample data of a WAV file lives.
type wavInfo struct {
	dataOffset int64
	// dataSizePos is the file offset of the data chunk's size field.
	dataSizePos int64
	dataSize    uint32
}

func inspectWAV(f io.ReaderAt, fileSize int64) (wavInfo, error) {
	head := make([]byte, 12)
	if _, err := f.ReadAt(head, 0); err != nil {
		return wavInfo{}, errNotWAV
	}
	if !bytes.Equal(head[0:4], []byte("RIFF")) || !bytes.Equal(head[8:12], []byte("WAVE")) {
		return wavInfo{}, errNotWAV
	}

	chunk := make([]byte, 8)
	for pos := int64(12); pos+8 <= fileSize; {
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return wavInfo{}, fmt.Errorf("read chunk at %d: %w", pos, err)
		}
		size := binary.LittleEndian.Uint32(chunk[4:8])
		if bytes.Equal(chunk[0:4], []byte("data")) {
			return wavInfo{dataOffset: pos + 8, dataSizePos: pos + 4, dataSize: size}, nil
		}
		// chunks are word aligned
		pos += 8 + int64(size) + int64(size%2)
	}
	return wavInfo{}, errors.New("wav data chunk not found")
}

// repairWAV fixes the RIFF and data chunk sizes of a WAV file whose writer
// was killed before it could finalize the header. It reports the number of
// sample bytes in the file.
func repairWAV(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}

	info, err := inspectWAV(f, st.Size())
	if err != nil {
		return 0, err
	}

	payload := st.Size() - info.dataOffset
	if payload < 0 {
		payload = 0
	}
	if int64(info.dataSize) == payload {
		return payload, nil
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(payload))
	if _, err := f.WriteAt(buf[:], info.dataSizePos); err != nil {
		return payload, fmt.Errorf("write data size: %w", err)
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(st.Size()-8))
	if _, err := f.WriteAt(buf[:], 4); err != nil {
		return payload, fmt.Errorf("write riff size: %w", err)
	}
	return payload, nil
}

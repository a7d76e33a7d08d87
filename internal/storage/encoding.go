package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hyperjump/lcdetect/internal/models"
)

const keypointSize = 5*8 + 4

func encodeKeypoints(kps []models.Keypoint) []byte {
	out := make([]byte, 4+len(kps)*keypointSize)
	binary.LittleEndian.PutUint32(out, uint32(len(kps)))
	off := 4
	for _, kp := range kps {
		for _, v := range [...]float64{kp.X, kp.Y, kp.Size, kp.Angle, kp.Response} {
			binary.LittleEndian.PutUint64(out[off:], math.Float64bits(v))
			off += 8
		}
		binary.LittleEndian.PutUint32(out[off:], uint32(int32(kp.Octave)))
		off += 4
	}
	return out
}

func decodeKeypoints(b []byte) ([]models.Keypoint, error) {
	if len(b) < 4 {
		return nil, errors.New("keypoint blob too small")
	}
	n := int(binary.LittleEndian.Uint32(b))
	if len(b) != 4+n*keypointSize {
		return nil, fmt.Errorf("keypoint blob has %d bytes, expected %d", len(b), 4+n*keypointSize)
	}
	kps := make([]models.Keypoint, n)
	off := 4
	f := func() float64 {
		v := math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
		off += 8
		return v
	}
	for i := range kps {
		kps[i] = models.Keypoint{X: f(), Y: f(), Size: f(), Angle: f(), Response: f()}
		kps[i].Octave = int(int32(binary.LittleEndian.Uint32(b[off:])))
		off += 4
	}
	return kps, nil
}

func encodeDescriptors(descs []models.Descriptor) []byte {
	width := 0
	if len(descs) > 0 {
		width = len(descs[0])
	}
	out := make([]byte, 8+len(descs)*width)
	binary.LittleEndian.PutUint32(out, uint32(len(descs)))
	binary.LittleEndian.PutUint32(out[4:], uint32(width))
	off := 8
	for _, d := range descs {
		copy(out[off:off+width], d)
		off += width
	}
	return out
}

func decodeDescriptors(b []byte) ([]models.Descriptor, error) {
	if len(b) < 8 {
		return nil, errors.New("descriptor blob too small")
	}
	n := int(binary.LittleEndian.Uint32(b))
	width := int(binary.LittleEndian.Uint32(b[4:]))
	if len(b) != 8+n*width {
		return nil, fmt.Errorf("descriptor blob has %d bytes, expected %d", len(b), 8+n*width)
	}
	descs := make([]models.Descriptor, n)
	for i := range descs {
		d := make(models.Descriptor, width)
		copy(d, b[8+i*width:])
		descs[i] = d
	}
	return descs, nil
}

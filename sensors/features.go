package sensors

import "math/bits"

// Keypoint is a detected image feature location. RightX is the horizontal coordinate
// of the match in the right stereo image (negative when absent) and Depth is the
// metric depth of the keypoint (negative when unknown).
type Keypoint struct {
	X      float64
	Y      float64
	Octave int
	RightX float64
	Depth  float64
}

// Descriptor is a compact binary appearance signature, compared by Hamming distance.
type Descriptor []byte

// Distance returns the Hamming distance between two descriptors. Length mismatch is
// treated as maximal distance so corrupt descriptors never match.
func (d Descriptor) Distance(o Descriptor) int {
	if len(d) != len(o) || len(d) == 0 {
		return 8 * maxInt(len(d), len(o), 32)
	}
	dist := 0
	for i := range d {
		dist += bits.OnesCount8(d[i] ^ o[i])
	}
	return dist
}

func maxInt(vals ...int) int {
	m := 0
	for _, v := range vals {
		if v > m {
			m = v
		}
	}
	return m
}

// Features is the output of one extraction pass over a capture.
type Features struct {
	Keypoints   []Keypoint
	Descriptors []Descriptor
}

// Len returns the number of extracted keypoints.
func (f Features) Len() int {
	return len(f.Keypoints)
}

package tracking

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-vislam/imu"
	"github.com/viam-modules/viam-vislam/sensors"
)

var frameIDSource int64

func nextFrameID() int64 {
	return atomic.AddInt64(&frameIDSource, 1)
}

// Frame is the per-capture working record of the tracking core. Features are
// fixed at construction; the pose, per-keypoint associations and outlier flags
// are refined during the cycle. Only the tracking goroutine touches a Frame.
type Frame struct {
	ID        int64
	Timestamp time.Time
	Camera    *sensors.Camera

	Keypoints   []sensors.Keypoint
	Descriptors []sensors.Descriptor

	// MapPointIDs holds the associated landmark per keypoint, zero when none.
	MapPointIDs []int64
	// Outliers flags associations rejected by the last pose refinement; they
	// are excluded from subsequent radius searches this cycle.
	Outliers []bool

	poseCW spatialmath.Pose

	// Inertial state, valid only for IMU configurations once predicted or set.
	Velocity      r3.Vector
	VelocityValid bool
	Bias          imu.Bias
	// Pre accumulates inertial samples since the last keyframe; PreFrame since
	// the previous frame. Both are finalized at keyframe promotion.
	Pre      *imu.Preintegrated
	PreFrame *imu.Preintegrated

	// RefKeyFrameID is the reference keyframe this frame tracks against.
	RefKeyFrameID int64
	// ImuPredicted marks that the current pose came from inertial prediction.
	ImuPredicted bool
}

// NewFrame builds a frame from extracted features. Stereo extractors fill
// per-keypoint disparity and depth before this point; monocular features carry
// negative depth.
func NewFrame(ts time.Time, cam *sensors.Camera, feats sensors.Features) *Frame {
	n := feats.Len()
	kps := make([]sensors.Keypoint, n)
	copy(kps, feats.Keypoints)
	for i := range kps {
		// Keypoints without a depth measurement carry no virtual right
		// coordinate either; negative values mark both as absent.
		if kps[i].Depth <= 0 {
			kps[i].Depth, kps[i].RightX = -1, -1
		}
	}
	return &Frame{
		ID:          nextFrameID(),
		Timestamp:   ts,
		Camera:      cam,
		Keypoints:   kps,
		Descriptors: feats.Descriptors,
		MapPointIDs: make([]int64, n),
		Outliers:    make([]bool, n),
	}
}

// NewRGBDFrame builds a frame reading depth per keypoint from the registered
// depth map and synthesizing the virtual right-image coordinate from it.
func NewRGBDFrame(ts time.Time, cam *sensors.Camera, feats sensors.Features, depth []float64, depthFactor float64) *Frame {
	f := NewFrame(ts, cam, feats)
	if depthFactor <= 0 {
		depthFactor = 1
	}
	for i := range f.Keypoints {
		kp := &f.Keypoints[i]
		u, v := int(math.Round(kp.X)), int(math.Round(kp.Y))
		if u < 0 || u >= cam.Width || v < 0 || v >= cam.Height || v*cam.Width+u >= len(depth) {
			kp.Depth, kp.RightX = -1, -1
			continue
		}
		d := depth[v*cam.Width+u] * depthFactor
		if d <= 0 {
			kp.Depth, kp.RightX = -1, -1
			continue
		}
		kp.Depth = d
		kp.RightX = kp.X - cam.BaselineFx/d
	}
	return f
}

// PoseCW returns the camera-from-world pose, nil before any estimate exists.
func (f *Frame) PoseCW() spatialmath.Pose {
	return f.poseCW
}

// SetPoseCW installs a camera-from-world pose estimate.
func (f *Frame) SetPoseCW(p spatialmath.Pose) {
	f.poseCW = p
}

// HasPose reports whether a pose estimate has been installed.
func (f *Frame) HasPose() bool {
	return f.poseCW != nil
}

// PoseWC returns the world-from-camera pose.
func (f *Frame) PoseWC() spatialmath.Pose {
	return spatialmath.PoseInverse(f.poseCW)
}

// CameraCenter returns the camera's optical center in world coordinates.
func (f *Frame) CameraCenter() r3.Vector {
	return f.PoseWC().Point()
}

// Len returns the keypoint count.
func (f *Frame) Len() int {
	return len(f.Keypoints)
}

// Associate binds keypoint i to a landmark and clears its outlier flag.
func (f *Frame) Associate(i int, mpID int64) {
	f.MapPointIDs[i] = mpID
	f.Outliers[i] = false
}

// ClearAssociation unbinds keypoint i.
func (f *Frame) ClearAssociation(i int) {
	f.MapPointIDs[i] = 0
	f.Outliers[i] = false
}

// AssociationCount returns the number of keypoints bound to a landmark,
// counting or skipping outliers.
func (f *Frame) AssociationCount(includeOutliers bool) int {
	n := 0
	for i, id := range f.MapPointIDs {
		if id == 0 {
			continue
		}
		if !includeOutliers && f.Outliers[i] {
			continue
		}
		n++
	}
	return n
}

// UnprojectKeypoint returns the world coordinates of a depth-backed keypoint
// under the frame's current pose.
func (f *Frame) UnprojectKeypoint(i int) (r3.Vector, bool) {
	kp := f.Keypoints[i]
	if kp.Depth <= 0 || !f.HasPose() {
		return r3.Vector{}, false
	}
	pc := f.Camera.Unproject(kp.X, kp.Y, kp.Depth)
	return transformPoint(f.PoseWC(), pc), true
}

// poseToQuatTrans decomposes a camera-from-world pose into rotation and translation.
func poseToQuatTrans(p spatialmath.Pose) (quat.Number, r3.Vector) {
	return p.Orientation().Quaternion(), p.Point()
}

// quatTransToPose rebuilds a pose from rotation and translation.
func quatTransToPose(q quat.Number, t r3.Vector) spatialmath.Pose {
	o := spatialmath.Quaternion(q)
	return spatialmath.NewPose(t, &o)
}

// transformPoint applies a pose as a rigid transform to a point.
func transformPoint(p spatialmath.Pose, v r3.Vector) r3.Vector {
	q, t := poseToQuatTrans(p)
	return imu.Rotate(q, v).Add(t)
}

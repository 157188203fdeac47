package pose

import "fmt"

var (
	// flipY converts between Y-down vision axes and Y-up engine axes.
	flipY = Scale4(1, -1, 1)
	// flipZ converts between the capture convention (camera looks down -Z)
	// and the forward +Z convention.
	flipZ = Scale4(1, 1, -1)
)

// ToWorld converts a camera-local pose in the vision convention (right
// handed, X right, Y down, Z forward) into the consumer's left-handed world
// space. cameraToWorld is the capture transform, whose camera looks down -Z.
//
// The pipeline is fixed:
//
//	A = flipY · TRS(local) · flipY   handedness
//	A = A · flipY · flipZ            sensor mounting posture
//	W = (cameraToWorld · flipZ) · A  camera to world
//
// Rotation is read back from W's forward and up columns so the result is a
// proper unit quaternion.
func ToWorld(local Pose, cameraToWorld Mat4) Pose {
	a := flipY.Mul(TRS(local.Position, local.Rotation)).Mul(flipY)
	a = a.Mul(flipY).Mul(flipZ)
	w := cameraToWorld.Mul(flipZ).Mul(a)
	return Pose{Position: w.Translation(), Rotation: w.Rotation()}
}

// FromWorld inverts ToWorld for the same cameraToWorld.
func FromWorld(world Pose, cameraToWorld Mat4) (Pose, error) {
	inv, err := cameraToWorld.Mul(flipZ).Inverse()
	if err != nil {
		return Pose{}, fmt.Errorf("camera to world: %w", err)
	}
	a := inv.Mul(TRS(world.Position, world.Rotation))
	a = a.Mul(flipZ).Mul(flipY)
	t := flipY.Mul(a).Mul(flipY)
	return Pose{Position: t.Translation(), Rotation: t.Rotation()}, nil
}

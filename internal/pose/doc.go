// Package pose owns the world-space pose model shared by both tracking
// engines.
//
// Responsibilities: the Pose and MarkerID types, 4x4 rigid transform
// helpers, the camera-to-world coordinate conversion pipeline, and the
// staleness-aware pose Cache that decouples tracking writes from render-loop
// reads.
//
// Conventions: Mat4 is row-major like the rest of the codebase. Quaternions
// are gonum quat.Number values with Real holding w. Camera-local poses use
// the vision convention (right-handed, Y down, Z forward); world poses use
// the consumer's left-handed convention.
package pose

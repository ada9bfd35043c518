// Package grid maps shots onto nine-cell contact-sheet images and drives the image tasks that
// produce them: creating tasks, resuming unfinished ones after a reload, and writing finished images
// back onto the shots.
package grid

// Size is the number of shots covered by one grid image (3x3).
const Size = 9

// Index returns the grid a flat shot index belongs to and the shot's cell within that grid.
func Index(shotIndex int) (gridIndex, cell int) {
	return shotIndex / Size, shotIndex % Size
}

// Count is the number of grids needed for n shots.
func Count(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + Size - 1) / Size
}

// Bounds returns the [start,end) shot range covered by gridIndex, clipped to n shots.
func Bounds(gridIndex, n int) (start, end int) {
	start = gridIndex * Size
	end = min(start+Size, n)
	if start > n {
		start = n
	}
	return start, end
}

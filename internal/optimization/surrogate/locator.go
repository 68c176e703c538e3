package surrogate

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Locator finds the stored sample closest to a query point under the
// regularized distance sqrt(|x-xi|^2 + delta). Ties resolve to the lowest
// sample index.
type Locator interface {
	// Insert indexes samples [from, store.Len())
	Insert(store *SampleStore, from int)

	// Nearest returns the index and regularized distance of the closest sample
	Nearest(store *SampleStore, x []float64, delta float64) (int, float64)
}

// sqDist is shared by every distance computation so that ties are detected
// identically by all locators and by the blend.
func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func regDist(a, b []float64, delta float64) float64 {
	return math.Sqrt(sqDist(a, b) + delta)
}

// ExhaustiveLocator scans every sample. O(n) per query.
type ExhaustiveLocator struct{}

// Insert is a no-op; the scan reads the store directly
func (ExhaustiveLocator) Insert(*SampleStore, int) {}

// Nearest scans all samples, keeping the first minimum found
func (ExhaustiveLocator) Nearest(store *SampleStore, x []float64, delta float64) (int, float64) {
	best := -1
	mindist := math.Inf(1)
	for i := 0; i < store.Len(); i++ {
		d := regDist(x, store.Location(i), delta)
		if d < mindist {
			best = i
			mindist = d
		}
	}
	return best, mindist
}

// KDTreeLocator keeps a k-d tree over the sample locations, updated
// incrementally as samples are appended.
type KDTreeLocator struct {
	tree *kdtree.Tree
}

// NewKDTreeLocator creates an empty k-d tree locator
func NewKDTreeLocator() *KDTreeLocator {
	return &KDTreeLocator{tree: &kdtree.Tree{}}
}

// Insert adds samples [from, store.Len()) to the tree
func (l *KDTreeLocator) Insert(store *SampleStore, from int) {
	for i := from; i < store.Len(); i++ {
		l.tree.Insert(indexedPoint{x: store.Location(i), index: i}, false)
	}
}

// Nearest queries the tree, then collects every sample whose regularized
// distance equals the minimum and returns the lowest index among them.
func (l *KDTreeLocator) Nearest(store *SampleStore, x []float64, delta float64) (int, float64) {
	q := indexedPoint{x: x, index: -1}
	c, sq := l.tree.Nearest(q)
	if c == nil {
		return -1, math.Inf(1)
	}
	mindist := math.Sqrt(sq + delta)

	// distinct squared distances can round to the same regularized distance
	radius := math.Nextafter(sq, math.Inf(1))*(1+1e-12) + delta*1e-12
	keep := kdtree.NewDistKeeper(radius)
	l.tree.NearestSet(keep, q)

	best := c.(indexedPoint).index
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		p := cd.Comparable.(indexedPoint)
		d := regDist(x, store.Location(p.index), delta)
		if d < mindist || (d == mindist && p.index < best) {
			best = p.index
			mindist = d
		}
	}
	return best, mindist
}

// indexedPoint is a kdtree.Comparable carrying its store index
type indexedPoint struct {
	x     []float64
	index int
}

// Compare returns the signed distance of p from the plane passing through c
// and perpendicular to dimension d.
func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.x[d] - q.x[d]
}

// Dims returns the number of dimensions
func (p indexedPoint) Dims() int {
	return len(p.x)
}

// Distance returns the squared Euclidean distance between p and c
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	return sqDist(p.x, q.x)
}

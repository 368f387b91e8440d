package tile

// ChangeKind tells whether a viewport change is a settled (discrete) change or
// one step of an ongoing interaction such as a drag or pinch.
type ChangeKind int

const (
	ChangeDiscrete ChangeKind = iota
	ChangeContinuous
)

func (k ChangeKind) String() string {
	if k == ChangeContinuous {
		return "continuous"
	}
	return "discrete"
}

// FetchInfo describes the region of interest a viewport owner wants data for.
// It is a comparable value; two equal FetchInfos describe the same request.
type FetchInfo struct {
	Extent     Extent
	Resolution float64 // schema units per screen pixel
	CRS        string
	Change     ChangeKind
}

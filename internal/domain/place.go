package domain

// Place is a ranked point of interest read from the analytical store.
// Places are immutable input for the duration of a pipeline run.
type Place struct {
	ID         int64
	WikiTitle  string
	Lat        float64
	Lon        float64
	POIType    string
	POISubtype string
	Categories string
	ShortLink  string
	Elo        float64
}

// ImageItem identifies one candidate image of a place. Processed reports
// whether a prior run already handled this image at the current version; it
// is recomputed from the store on every run, never persisted as a flag.
type ImageItem struct {
	PlaceID   int64
	Path      string
	Size      int64
	MediaID   int64
	Processed bool
}

// ImageKey is the identity of a logical image. Two rows with the same key
// describe the same image and must never be counted twice.
type ImageKey struct {
	PlaceID int64
	Path    string
	MediaID int64
}

// Key returns the deduplication identity of the item.
func (i ImageItem) Key() ImageKey {
	return ImageKey{PlaceID: i.PlaceID, Path: i.Path, MediaID: i.MediaID}
}

// EncodedImage is an image payload prepared for an LLM request.
type EncodedImage struct {
	Title   string
	Base64  string
	MediaID int64
}

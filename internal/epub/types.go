package epub

import "golang.org/x/text/language"

// Reasons carried by the ParseErrors Extract returns.
const (
	ReasonInvalidArchive   = "not a valid archive"
	ReasonNoDescriptor     = "no package descriptor"
	ReasonMalformedPackage = "malformed package structure"
	ReasonNoChapters       = "no readable chapters"
)

// Chapter is one readable spine document of an EPUB.
type Chapter struct {
	// ID is the position in the extracted sequence, not in the spine.
	ID             int          `json:"id"`
	Title          string       `json:"title"`
	Text           string       `json:"text"`
	CharacterCount int          `json:"character_count"`
	Language       language.Tag `json:"language"`
}

// packageDocument is the subset of the OPF package descriptor we read.
type packageDocument struct {
	Manifest *manifest `xml:"manifest"`
	Spine    *spine    `xml:"spine"`
}

type manifest struct {
	Items []manifestItem `xml:"item"`
}

type manifestItem struct {
	ID        string `xml:"id,attr"`
	Href      string `xml:"href,attr"`
	MediaType string `xml:"media-type,attr"`
}

type spine struct {
	ItemRefs []spineItemRef `xml:"itemref"`
}

type spineItemRef struct {
	IDRef string `xml:"idref,attr"`
}

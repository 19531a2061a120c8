package domain

// CaptionSpec is the user's choice of caption style.
//
// Length is "any", a positive word count written in decimal, or a
// qualitative descriptor such as "short". ExtraOptions keep selection order.
type CaptionSpec struct {
	Mode         string   `json:"mode"`
	Length       string   `json:"length"`
	ExtraOptions []string `json:"extraOptions"`
	Name         string   `json:"name"`
}

// CaptionOptions is the catalog the UI renders its selectors from.
type CaptionOptions struct {
	Modes        []string `json:"modes"`
	Lengths      []string `json:"lengths"`
	ExtraOptions []string `json:"extraOptions"`
	NameOption   string   `json:"nameOption"`
	Backends     []string `json:"backends"`
}

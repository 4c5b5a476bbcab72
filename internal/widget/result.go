package widget

const (
	messageMissingID       = "No image ID specified"
	messageNotFound        = "No image found"
	messageForbidden       = "You are not allowed to edit this image"
	messageUnauthenticated = "You must be signed in to upload images"
	messageNotConfigured   = "Image storage has not been set up"
	messageUnexpected      = "Something went wrong while handling the image"
)

// Result is the JSON envelope returned for every widget request, successful
// or not. Errors holds either a list of messages or a field to messages map.
type Result struct {
	Success     bool           `json:"success"`
	ID          uint64         `json:"id,omitempty"`
	URL         string         `json:"url,omitempty"`
	Title       string         `json:"title,omitempty"`
	Editable    *bool          `json:"editable,omitempty"`
	DesignState *string        `json:"design_state,omitempty"`
	Reset       bool           `json:"reset,omitempty"`
	Images      []ImageSummary `json:"images,omitempty"`
	Errors      any            `json:"errors,omitempty"`
	Code        string         `json:"code,omitempty"`
}

// ImageSummary lists an asset in the chooser.
type ImageSummary struct {
	ID     uint64 `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

func failure(messages ...string) Result {
	return Result{Success: false, Errors: messages}
}

func boolPointer(value bool) *bool {
	return &value
}

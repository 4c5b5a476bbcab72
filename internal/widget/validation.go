package widget

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const maxTitleLength = 255

// File is an uploaded payload as received from the client.
type File struct {
	Name    string
	Size    int64
	Content io.ReadSeeker
}

// ValidationError maps form fields to their error messages.
type ValidationError map[string][]string

func (e ValidationError) Error() string {
	fields := make([]string, 0, len(e))
	for field := range e {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(e[field], "; ")))
	}
	return "widget: invalid upload: " + strings.Join(parts, ", ")
}

type inspectedFile struct {
	contentType string
	width       int
	height      int
}

type uploadInput struct {
	Title       string  `json:"title"`
	File        *File   `json:"file"`
	Collection  uint64  `json:"collection"`
	DesignState *string `json:"design_state"`

	maxBytes  int64
	inspected inspectedFile
}

func (in *uploadInput) Validate() error {
	err := validation.ValidateStruct(in,
		validation.Field(&in.Title, validation.Required, validation.RuneLength(1, maxTitleLength)),
		validation.Field(&in.File, validation.Required, validation.By(in.validateFile)),
		validation.Field(&in.Collection, validation.Required),
		validation.Field(&in.DesignState, validation.By(validateDesignState)),
	)
	if err == nil {
		return nil
	}
	var fieldErrors validation.Errors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	result := ValidationError{}
	for field, fieldErr := range fieldErrors {
		result[field] = []string{fieldErr.Error()}
	}
	return result
}

func (in *uploadInput) validateFile(value interface{}) error {
	file, _ := value.(*File)
	if file == nil || file.Content == nil {
		return errors.New("no file was submitted")
	}
	if in.maxBytes > 0 && file.Size > in.maxBytes {
		return fmt.Errorf("the file exceeds the maximum size of %d bytes", in.maxBytes)
	}

	detected, err := mimetype.DetectReader(file.Content)
	if err != nil {
		return errors.New("the file could not be read")
	}
	if _, err := file.Content.Seek(0, io.SeekStart); err != nil {
		return errors.New("the file could not be read")
	}
	contentType := detected.String()
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("unsupported file type %s; upload a valid image", contentType)
	}

	inspected := inspectedFile{contentType: strings.SplitN(contentType, ";", 2)[0]}
	if config, _, err := image.DecodeConfig(file.Content); err == nil {
		inspected.width = config.Width
		inspected.height = config.Height
	}
	if _, err := file.Content.Seek(0, io.SeekStart); err != nil {
		return errors.New("the file could not be read")
	}
	in.inspected = inspected
	return nil
}

func validateDesignState(value interface{}) error {
	state, _ := value.(*string)
	if state == nil {
		return nil
	}
	if !json.Valid([]byte(*state)) {
		return errors.New("design state must be valid JSON")
	}
	return nil
}

// defaultTitle derives a title from the uploaded file name.
func defaultTitle(filename string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

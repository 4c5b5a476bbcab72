package assets

import (
	"bytes"
	"errors"
	"html/template"
	"io"
)

var (
	// ErrEmptyBlock indicates a block that wraps no asset.
	ErrEmptyBlock = errors.New("assets: block has no asset")

	defaultBlockTemplate = template.Must(template.New("filerobot-block").Parse(
		`<img src="{{.URL}}" alt="{{.Title}}"{{if .Width}} width="{{.Width}}"{{end}}{{if .Height}} height="{{.Height}}"{{end}}>`,
	))
)

// Block presents an asset inside page content. The asset's fields are
// promoted, so a Block can stand in wherever the asset's attributes are read.
type Block struct {
	*Asset
	Template *template.Template
}

// NewBlock wraps asset for rendering. A nil template selects the default <img> markup.
func NewBlock(asset *Asset, tmpl *template.Template) Block {
	if tmpl == nil {
		tmpl = defaultBlockTemplate
	}
	return Block{Asset: asset, Template: tmpl}
}

// String returns the asset title.
func (b Block) String() string {
	if b.Asset == nil {
		return ""
	}
	return b.Title
}

// Render writes the block markup to w.
func (b Block) Render(w io.Writer) error {
	if b.Asset == nil {
		return ErrEmptyBlock
	}
	tmpl := b.Template
	if tmpl == nil {
		tmpl = defaultBlockTemplate
	}
	return tmpl.Execute(w, b.Asset)
}

// HTML renders the block into a safe HTML fragment.
func (b Block) HTML() (template.HTML, error) {
	var buffer bytes.Buffer
	if err := b.Render(&buffer); err != nil {
		return "", err
	}
	return template.HTML(buffer.String()), nil
}

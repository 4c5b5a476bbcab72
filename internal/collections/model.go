package collections

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	maxNameLength  = 255
	pathStepLength = 4
	pathStepBase   = 36
	rootDepth      = 1
)

var maxPathStep = int64(pathStepBase * pathStepBase * pathStepBase * pathStepBase)

var (
	// ErrInvalidName indicates an empty or oversized collection name.
	ErrInvalidName = errors.New("collections: invalid name")
	// ErrInvalidPath indicates a materialized path that cannot be decoded.
	ErrInvalidPath = errors.New("collections: invalid path")
	// ErrTreeFull indicates that a parent has exhausted its child path steps.
	ErrTreeFull = errors.New("collections: no free path step under parent")
)

// Collection is a node of the asset collection tree. Path is a materialized
// path of fixed-width base-36 steps, so siblings sort by creation order.
type Collection struct {
	ID         uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Name       string    `gorm:"column:name;size:255;not null;uniqueIndex:idx_collections_parent_name,priority:2"`
	Path       string    `gorm:"column:path;size:255;not null;uniqueIndex:idx_collections_path"`
	ParentPath string    `gorm:"column:parent_path;size:255;not null;default:'';uniqueIndex:idx_collections_parent_name,priority:1"`
	Depth      int       `gorm:"column:depth;not null;index"`
	NumChild   int       `gorm:"column:numchild;not null;default:0"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName keeps the collection table name stable.
func (Collection) TableName() string {
	return "collections"
}

// IsRoot reports whether the collection sits at the top level of the tree.
func (c Collection) IsRoot() bool {
	return c.Depth == rootDepth
}

// NormalizeName trims the raw name and enforces storage bounds.
func NormalizeName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(trimmed) > maxNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return trimmed, nil
}

func encodePathStep(position int64) (string, error) {
	if position <= 0 || position >= maxPathStep {
		return "", fmt.Errorf("%w: position %d", ErrTreeFull, position)
	}
	encoded := strings.ToUpper(strconv.FormatInt(position, pathStepBase))
	return strings.Repeat("0", pathStepLength-len(encoded)) + encoded, nil
}

func decodeLastPathStep(path string) (int64, error) {
	if len(path) < pathStepLength || len(path)%pathStepLength != 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	position, err := strconv.ParseInt(path[len(path)-pathStepLength:], pathStepBase, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidPath, path, err)
	}
	return position, nil
}

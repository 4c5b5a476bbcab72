// Package widget implements the request protocol spoken by the in-browser
// image editor: fetching an editable image and saving edited results.
package widget

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/filerobot/internal/assets"
	"github.com/MarcoPoloResearchLab/filerobot/internal/collections"
	"github.com/MarcoPoloResearchLab/filerobot/internal/designstate"
	"github.com/MarcoPoloResearchLab/filerobot/internal/metrics"
	"github.com/MarcoPoloResearchLab/filerobot/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/filerobot/internal/users"
	"go.uber.org/zap"
)

const (
	operationFetch    = "fetch"
	operationSave     = "save"
	operationOriginal = "original"
	operationList     = "list"

	outcomeOK              = "ok"
	outcomeReadOnly        = "read_only"
	outcomeMissingID       = "missing_id"
	outcomeNotFound        = "not_found"
	outcomeForbidden       = "forbidden"
	outcomeInvalid         = "invalid"
	outcomeUnauthenticated = "unauthenticated"
	outcomeNotConfigured   = "not_configured"
	outcomeError           = "error"
)

var (
	// ErrForbidden indicates an edit of an asset owned by someone else.
	ErrForbidden = errors.New("widget: not allowed to edit this asset")

	errMissingResolver = errors.New("collection resolver is required")
	errMissingAssets   = errors.New("asset store is required")
	errMissingStates   = errors.New("design state reader is required")
	noOpLogger         = zap.NewNop()
)

// CollectionResolver resolves the collections uploads are filed under.
type CollectionResolver interface {
	ResolveUserCollection(ctx context.Context, principal users.Principal) (collections.Collection, error)
	ResolveOriginalsCollection(ctx context.Context, principal users.Principal) (collections.Collection, error)
}

// AssetStore persists assets.
type AssetStore interface {
	Get(ctx context.Context, id uint64) (assets.Asset, error)
	Save(ctx context.Context, request assets.SaveRequest) (assets.Asset, error)
	ListByCollection(ctx context.Context, collectionID uint64) ([]assets.Asset, error)
}

// DesignStateReader loads the current design state of an asset.
type DesignStateReader interface {
	Latest(ctx context.Context, assetID uint64) (designstate.Record, bool, error)
}

// Config describes the dependencies and switches of the protocol.
type Config struct {
	Resolver       CollectionResolver
	Assets         AssetStore
	DesignStates   DesignStateReader
	Policy         OwnershipPolicy
	DisableHistory bool
	MaxUploadBytes int64
	Metrics        *metrics.Recorder
	Logger         *zap.Logger
}

// Protocol answers widget fetch and save requests.
type Protocol struct {
	resolver       CollectionResolver
	assets         AssetStore
	designStates   DesignStateReader
	policy         OwnershipPolicy
	disableHistory bool
	maxUploadBytes int64
	recorder       *metrics.Recorder
	logger         *zap.Logger
}

// NewProtocol validates the configuration and constructs a Protocol.
func NewProtocol(cfg Config) (*Protocol, error) {
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Assets == nil {
		return nil, errMissingAssets
	}
	if cfg.DesignStates == nil {
		return nil, errMissingStates
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Protocol{
		resolver:       cfg.Resolver,
		assets:         cfg.Assets,
		designStates:   cfg.DesignStates,
		policy:         cfg.Policy,
		disableHistory: cfg.DisableHistory,
		maxUploadBytes: cfg.MaxUploadBytes,
		recorder:       cfg.Metrics,
		logger:         logger,
	}, nil
}

// SaveForm is a submission of an edited image.
type SaveForm struct {
	Title   string
	AssetID string
	File    *File
	// DesignState is nil when the client sent no design state.
	DesignState *string
}

// OriginalForm is a submission of an unedited source image.
type OriginalForm struct {
	Title string
	File  *File
}

// Fetch returns the asset the editor should open, together with its design
// state when the principal may edit it.
func (p *Protocol) Fetch(ctx context.Context, rawAssetID string, principal users.Principal) Result {
	if strings.TrimSpace(rawAssetID) == "" {
		return p.finish(operationFetch, outcomeMissingID, failure(messageMissingID))
	}
	assetID, ok := parseAssetID(rawAssetID)
	if !ok {
		return p.finish(operationFetch, outcomeNotFound, notFound())
	}

	asset, err := p.assets.Get(ctx, assetID)
	if errors.Is(err, assets.ErrAssetNotFound) {
		return p.finish(operationFetch, outcomeNotFound, notFound())
	}
	if err != nil {
		return p.unexpected(operationFetch, err)
	}

	result := Result{ID: asset.ID, URL: asset.URL, Title: asset.Title}
	if !p.policy.Permits(asset, principal) {
		result.Editable = boolPointer(false)
		return p.finish(operationFetch, outcomeReadOnly, result)
	}

	result.Success = true
	result.Editable = boolPointer(true)
	if !p.disableHistory {
		record, found, err := p.designStates.Latest(ctx, asset.ID)
		if err != nil {
			return p.unexpected(operationFetch, err)
		}
		if found {
			state := record.State
			result.DesignState = &state
		}
	}
	return p.finish(operationFetch, outcomeOK, result)
}

// Save files an edited image in the principal's collection. With history
// disabled a supplied asset id is overwritten in place; otherwise every save
// creates a new asset and records the design state.
func (p *Protocol) Save(ctx context.Context, form SaveForm, principal users.Principal) Result {
	collection, err := p.resolver.ResolveUserCollection(ctx, principal)
	if err != nil {
		return p.resolutionFailure(operationSave, err)
	}

	var existing *assets.Asset
	if p.disableHistory {
		if assetID, ok := parseAssetID(form.AssetID); ok {
			asset, err := p.assets.Get(ctx, assetID)
			switch {
			case err == nil:
				existing = &asset
			case errors.Is(err, assets.ErrAssetNotFound):
			default:
				return p.unexpected(operationSave, err)
			}
		}
	}

	if existing != nil && !p.policy.Permits(*existing, principal) {
		return p.editRejected(existing.ID, principal)
	}

	input := &uploadInput{
		Title:      p.titleFor(form.Title, form.File),
		File:       form.File,
		Collection: collection.ID,
		maxBytes:   p.maxUploadBytes,
	}
	if !p.disableHistory && form.DesignState != nil && *form.DesignState != "" {
		input.DesignState = form.DesignState
	}
	if result, ok := p.validate(operationSave, input); !ok {
		return result
	}

	request := p.saveRequest(input, collection, principal)
	if existing != nil {
		request.AssetID = existing.ID
		// The row may be claimed between the lookup above and the write.
		request.Permit = func(current assets.Asset) bool {
			return p.policy.Permits(current, principal)
		}
	}
	if input.DesignState != nil {
		request.DesignState = *input.DesignState
	}
	saved, err := p.assets.Save(ctx, request)
	if errors.Is(err, assets.ErrEditNotPermitted) {
		return p.editRejected(request.AssetID, principal)
	}
	if err != nil {
		return p.unexpected(operationSave, err)
	}
	return p.finish(operationSave, outcomeOK, savedResult(saved))
}

func (p *Protocol) editRejected(assetID uint64, principal users.Principal) Result {
	p.logger.Info("asset edit rejected",
		zap.Uint64("asset_id", assetID),
		zap.String("user_id", principal.UserID),
		zap.Error(ErrForbidden))
	return p.finish(operationSave, outcomeForbidden, failure(messageForbidden))
}

// UploadOriginal files an unedited source image in the principal's originals collection.
func (p *Protocol) UploadOriginal(ctx context.Context, form OriginalForm, principal users.Principal) Result {
	collection, err := p.resolver.ResolveOriginalsCollection(ctx, principal)
	if err != nil {
		return p.resolutionFailure(operationOriginal, err)
	}

	input := &uploadInput{
		Title:      p.titleFor(form.Title, form.File),
		File:       form.File,
		Collection: collection.ID,
		maxBytes:   p.maxUploadBytes,
	}
	if result, ok := p.validate(operationOriginal, input); !ok {
		return result
	}

	saved, err := p.assets.Save(ctx, p.saveRequest(input, collection, principal))
	if err != nil {
		return p.unexpected(operationOriginal, err)
	}
	return p.finish(operationOriginal, outcomeOK, savedResult(saved))
}

// ListImages returns the images filed in the principal's collection.
func (p *Protocol) ListImages(ctx context.Context, principal users.Principal) Result {
	collection, err := p.resolver.ResolveUserCollection(ctx, principal)
	if err != nil {
		return p.resolutionFailure(operationList, err)
	}
	listed, err := p.assets.ListByCollection(ctx, collection.ID)
	if err != nil {
		return p.unexpected(operationList, err)
	}
	summaries := make([]ImageSummary, 0, len(listed))
	for _, asset := range listed {
		summaries = append(summaries, ImageSummary{
			ID:     asset.ID,
			Title:  asset.Title,
			URL:    asset.URL,
			Width:  asset.Width,
			Height: asset.Height,
		})
	}
	return p.finish(operationList, outcomeOK, Result{Success: true, Images: summaries})
}

func (p *Protocol) titleFor(title string, file *File) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" && file != nil {
		trimmed = defaultTitle(file.Name)
	}
	return trimmed
}

func (p *Protocol) validate(operation string, input *uploadInput) (Result, bool) {
	err := input.Validate()
	if err == nil {
		return Result{}, true
	}
	var invalid ValidationError
	if errors.As(err, &invalid) {
		return p.finish(operation, outcomeInvalid, Result{Success: false, Errors: map[string][]string(invalid)}), false
	}
	return p.unexpected(operation, err), false
}

func (p *Protocol) saveRequest(input *uploadInput, collection collections.Collection, principal users.Principal) assets.SaveRequest {
	return assets.SaveRequest{
		Title: input.Title,
		Upload: assets.Upload{
			Filename:    input.File.Name,
			Content:     input.File.Content,
			ContentType: input.inspected.contentType,
			Width:       input.inspected.width,
			Height:      input.inspected.height,
		},
		CollectionID: collection.ID,
		Owner:        principal,
	}
}

func (p *Protocol) resolutionFailure(operation string, err error) Result {
	switch {
	case errors.Is(err, collections.ErrAuthenticationRequired):
		return p.finish(operation, outcomeUnauthenticated, failure(messageUnauthenticated))
	case errors.Is(err, collections.ErrConfigurationMissing):
		result := failure(messageNotConfigured)
		result.Code, _ = serviceerror.CodeOf(err)
		return p.finish(operation, outcomeNotConfigured, result)
	}
	return p.unexpected(operation, err)
}

func (p *Protocol) unexpected(operation string, err error) Result {
	result := failure(messageUnexpected)
	if code, ok := serviceerror.CodeOf(err); ok {
		result.Code = code
	}
	p.logger.Warn("widget request failed",
		zap.String("operation", operation),
		zap.String("code", result.Code),
		zap.Error(err))
	return p.finish(operation, outcomeError, result)
}

func (p *Protocol) finish(operation, outcome string, result Result) Result {
	p.recorder.RecordWidgetRequest(operation, outcome)
	return result
}

func notFound() Result {
	result := failure(messageNotFound)
	result.Reset = true
	return result
}

func savedResult(saved assets.Asset) Result {
	return Result{Success: true, ID: saved.ID, URL: saved.URL, Title: saved.Title}
}

func parseAssetID(raw string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

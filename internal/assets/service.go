package assets

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/filerobot/internal/designstate"
	"github.com/MarcoPoloResearchLab/filerobot/internal/media"
	"github.com/MarcoPoloResearchLab/filerobot/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/filerobot/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAssetNotFound indicates that no asset has the requested id.
	ErrAssetNotFound = errors.New("assets: asset not found")
	// ErrInvalidSaveRequest indicates a save request missing a title, payload or collection.
	ErrInvalidSaveRequest = errors.New("assets: invalid save request")
	// ErrEditNotPermitted indicates the locked row failed the request's edit check.
	ErrEditNotPermitted = errors.New("assets: edit not permitted")

	errMissingDatabase     = errors.New("database handle is required")
	errMissingBlobs        = errors.New("blob store is required")
	errMissingDesignStates = errors.New("design state store is required")
	noOpLogger             = zap.NewNop()
)

const (
	opServiceNew = "assets.service.new"
	opGet        = "assets.get"
	opSave       = "assets.save"
	opList       = "assets.list"

	queryByID = "id = ?"
)

// Blobs stores asset payloads.
type Blobs interface {
	Save(ctx context.Context, filename string, content io.Reader) (media.StoredFile, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// ServiceConfig describes the dependencies of the asset service.
type ServiceConfig struct {
	Database     *gorm.DB
	Blobs        Blobs
	DesignStates *designstate.Store
	Logger       *zap.Logger
}

// Service persists assets together with their payloads and design states.
type Service struct {
	db           *gorm.DB
	blobs        Blobs
	designStates *designstate.Store
	logger       *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, serviceerror.New(opServiceNew, "missing_blobs", errMissingBlobs)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:           cfg.Database,
		blobs:        cfg.Blobs,
		designStates: cfg.DesignStates,
		logger:       logger,
	}, nil
}

// Upload is an image payload accompanying a save.
type Upload struct {
	Filename    string
	Content     io.Reader
	ContentType string
	Width       int
	Height      int
}

// SaveRequest describes a create (AssetID zero) or an overwrite.
type SaveRequest struct {
	AssetID      uint64
	Title        string
	Upload       Upload
	CollectionID uint64
	Owner        users.Principal
	// Permit, when set, is consulted on the locked row of an overwrite. A
	// false result aborts the save with ErrEditNotPermitted.
	Permit func(Asset) bool
	// DesignState, when non-empty, becomes the asset's current design state
	// in the same transaction as the asset write.
	DesignState string
}

// Get loads an asset by id.
func (s *Service) Get(ctx context.Context, id uint64) (Asset, error) {
	var asset Asset
	err := s.db.WithContext(ctx).Where(queryByID, id).Take(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Asset{}, serviceerror.New(opGet, "not_found", ErrAssetNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Uint64("asset_id", id))
		return Asset{}, serviceerror.New(opGet, "query_failed", err)
	}
	asset.URL = s.blobs.URL(asset.FileKey)
	return asset, nil
}

// ListByCollection returns the assets filed in a collection, newest first.
func (s *Service) ListByCollection(ctx context.Context, collectionID uint64) ([]Asset, error) {
	var listed []Asset
	if err := s.db.WithContext(ctx).
		Where("collection_id = ?", collectionID).
		Order("created_at DESC, id DESC").
		Find(&listed).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.Uint64("collection_id", collectionID))
		return nil, serviceerror.New(opList, "query_failed", err)
	}
	for index := range listed {
		listed[index].URL = s.blobs.URL(listed[index].FileKey)
	}
	return listed, nil
}

// Save stores the payload and then writes the asset row. The owner is only
// assigned when the asset has none. A failed database write removes the new
// payload; a successful overwrite removes the superseded one.
func (s *Service) Save(ctx context.Context, request SaveRequest) (Asset, error) {
	title := strings.TrimSpace(request.Title)
	if title == "" || request.CollectionID == 0 || request.Upload.Content == nil {
		return Asset{}, serviceerror.New(opSave, "invalid_request", ErrInvalidSaveRequest)
	}
	if request.DesignState != "" && s.designStates == nil {
		return Asset{}, serviceerror.New(opSave, "missing_design_states", errMissingDesignStates)
	}

	stored, err := s.blobs.Save(ctx, request.Upload.Filename, request.Upload.Content)
	if err != nil {
		return Asset{}, err
	}

	var saved Asset
	var supersededKey string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if request.AssetID != 0 {
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryByID, request.AssetID).Take(&saved).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAssetNotFound
			}
			if err != nil {
				return err
			}
			if request.Permit != nil && !request.Permit(saved) {
				return ErrEditNotPermitted
			}
			supersededKey = saved.FileKey
		}

		saved.Title = title
		saved.FileKey = stored.Key
		saved.ContentType = request.Upload.ContentType
		saved.FileSize = stored.Size
		saved.Width = request.Upload.Width
		saved.Height = request.Upload.Height
		saved.CollectionID = request.CollectionID
		if !saved.HasOwner() && request.Owner.IsAuthenticated() {
			ownerID := request.Owner.UserID
			saved.OwnerUserID = &ownerID
			saved.OwnerUsername = request.Owner.Username
		}
		if err := tx.Save(&saved).Error; err != nil {
			return err
		}

		if request.DesignState != "" {
			if _, err := s.designStates.WithTransaction(tx).Upsert(ctx, saved.ID, request.DesignState); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		if err := s.blobs.Delete(context.WithoutCancel(ctx), stored.Key); err != nil {
			s.logger.Warn("orphaned payload after failed save",
				zap.String("operation", opSave),
				zap.String("key", stored.Key),
				zap.Error(err))
		}
		if errors.Is(txErr, ErrAssetNotFound) {
			return Asset{}, serviceerror.New(opSave, "not_found", ErrAssetNotFound)
		}
		if errors.Is(txErr, ErrEditNotPermitted) {
			return Asset{}, serviceerror.New(opSave, "not_permitted", ErrEditNotPermitted)
		}
		s.logError(opSave, "write_failed", txErr, zap.Uint64("asset_id", request.AssetID))
		return Asset{}, serviceerror.New(opSave, "write_failed", txErr)
	}

	if supersededKey != "" && supersededKey != stored.Key {
		if err := s.blobs.Delete(ctx, supersededKey); err != nil {
			s.logger.Warn("superseded payload not removed",
				zap.String("operation", opSave),
				zap.Uint64("asset_id", saved.ID),
				zap.String("key", supersededKey),
				zap.Error(err))
		}
	}

	saved.URL = s.blobs.URL(saved.FileKey)
	return saved, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("assets service error", attrs...)
}

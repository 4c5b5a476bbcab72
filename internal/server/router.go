package server

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/filerobot/internal/assets"
	"github.com/MarcoPoloResearchLab/filerobot/internal/auth"
	"github.com/MarcoPoloResearchLab/filerobot/internal/metrics"
	"github.com/MarcoPoloResearchLab/filerobot/internal/users"
	"github.com/MarcoPoloResearchLab/filerobot/internal/widget"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalContextKey = "filerobot_principal"

	multipartOverheadBytes = 1 << 20
	maxMultipartMemory     = 8 << 20

	messageUnreadableUpload = "The upload could not be read"
)

var (
	errMissingProtocol         = errors.New("widget protocol dependency required")
	errMissingAssetReader      = errors.New("asset reader dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingPrincipals       = errors.New("principal resolver dependency required")
)

// WidgetProtocol answers the editor's fetch and save requests.
type WidgetProtocol interface {
	Fetch(ctx context.Context, rawAssetID string, principal users.Principal) widget.Result
	Save(ctx context.Context, form widget.SaveForm, principal users.Principal) widget.Result
	UploadOriginal(ctx context.Context, form widget.OriginalForm, principal users.Principal) widget.Result
	ListImages(ctx context.Context, principal users.Principal) widget.Result
}

// AssetReader loads assets for block rendering.
type AssetReader interface {
	Get(ctx context.Context, id uint64) (assets.Asset, error)
}

// SessionValidator extracts CMS session claims from a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// PrincipalResolver maps session claims to the canonical principal.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (users.Principal, error)
}

type Dependencies struct {
	Protocol       WidgetProtocol
	Assets         AssetReader
	Sessions       SessionValidator
	Principals     PrincipalResolver
	Metrics        *metrics.Recorder
	MediaRoot      string
	MediaURL       string
	MaxUploadBytes int64
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Protocol == nil {
		return nil, errMissingProtocol
	}
	if deps.Assets == nil {
		return nil, errMissingAssetReader
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Principals == nil {
		return nil, errMissingPrincipals
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.MaxMultipartMemory = maxMultipartMemory
	router.Use(gin.Recovery())
	if len(deps.AllowedOrigins) > 0 {
		router.Use(corsMiddleware(deps.AllowedOrigins))
	}

	handler := &httpHandler{
		protocol:       deps.Protocol,
		assets:         deps.Assets,
		sessions:       deps.Sessions,
		principals:     deps.Principals,
		maxUploadBytes: deps.MaxUploadBytes,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	mediaURL := strings.TrimRight(strings.TrimSpace(deps.MediaURL), "/")
	if strings.HasPrefix(mediaURL, "/") && strings.TrimSpace(deps.MediaRoot) != "" {
		router.Static(mediaURL, deps.MediaRoot)
	}

	editor := router.Group("/filerobot")
	editor.Use(handler.identifyRequest)
	editor.GET("/file", handler.handleFetch)
	editor.POST("/file", handler.handleSave)
	editor.POST("/originals", handler.handleOriginal)
	editor.GET("/images", handler.handleListImages)
	editor.GET("/blocks/:id", handler.handleBlock)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-CSRFToken", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	protocol       WidgetProtocol
	assets         AssetReader
	sessions       SessionValidator
	principals     PrincipalResolver
	maxUploadBytes int64
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleFetch(c *gin.Context) {
	rawID := firstNonEmpty(c.Query("assetId"), c.Query("asset_id"), c.Query("image_id"))
	c.JSON(http.StatusOK, h.protocol.Fetch(c.Request.Context(), rawID, principalFrom(c)))
}

func (h *httpHandler) handleSave(c *gin.Context) {
	h.limitBody(c)
	file, release, ok := h.readUpload(c)
	if !ok {
		return
	}
	defer release()

	form := widget.SaveForm{
		Title:   c.PostForm("title"),
		AssetID: firstNonEmpty(c.PostForm("asset_id"), c.PostForm("image_id")),
		File:    file,
	}
	if designState, present := c.GetPostForm("design_state"); present {
		form.DesignState = &designState
	}
	c.JSON(http.StatusOK, h.protocol.Save(c.Request.Context(), form, principalFrom(c)))
}

func (h *httpHandler) handleOriginal(c *gin.Context) {
	h.limitBody(c)
	file, release, ok := h.readUpload(c)
	if !ok {
		return
	}
	defer release()

	form := widget.OriginalForm{Title: c.PostForm("title"), File: file}
	c.JSON(http.StatusOK, h.protocol.UploadOriginal(c.Request.Context(), form, principalFrom(c)))
}

func (h *httpHandler) handleListImages(c *gin.Context) {
	c.JSON(http.StatusOK, h.protocol.ListImages(c.Request.Context(), principalFrom(c)))
}

func (h *httpHandler) handleBlock(c *gin.Context) {
	assetID, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || assetID == 0 {
		c.String(http.StatusNotFound, "")
		return
	}
	asset, err := h.assets.Get(c.Request.Context(), assetID)
	if errors.Is(err, assets.ErrAssetNotFound) {
		c.String(http.StatusNotFound, "")
		return
	}
	if err != nil {
		h.logger.Error("failed to load asset for block", zap.Error(err), zap.Uint64("asset_id", assetID))
		c.String(http.StatusInternalServerError, "")
		return
	}
	markup, err := assets.NewBlock(&asset, nil).HTML()
	if err != nil {
		h.logger.Error("failed to render asset block", zap.Error(err), zap.Uint64("asset_id", assetID))
		c.String(http.StatusInternalServerError, "")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(markup))
}

// identifyRequest attaches the session principal when one is present.
// Requests without a usable session continue as anonymous.
func (h *httpHandler) identifyRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.Next()
		return
	}

	principal, err := h.principals.ResolvePrincipal(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve principal", zap.Error(err), zap.String("user_id", claims.UserID))
		c.Next()
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func (h *httpHandler) limitBody(c *gin.Context) {
	if h.maxUploadBytes <= 0 {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverheadBytes)
}

// readUpload opens the "file" part. A missing part yields a nil file so the
// protocol can report it as a field error.
func (h *httpHandler) readUpload(c *gin.Context) (*widget.File, func(), bool) {
	header, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, func() {}, true
	}
	if err != nil {
		h.logger.Info("failed to parse upload", zap.Error(err))
		c.JSON(http.StatusOK, widget.Result{Success: false, Errors: []string{messageUnreadableUpload}})
		return nil, nil, false
	}
	content, err := header.Open()
	if err != nil {
		h.logger.Warn("failed to open upload", zap.Error(err), zap.String("filename", header.Filename))
		c.JSON(http.StatusOK, widget.Result{Success: false, Errors: []string{messageUnreadableUpload}})
		return nil, nil, false
	}
	return uploadedFile(header, content), func() { _ = content.Close() }, true
}

func uploadedFile(header *multipart.FileHeader, content multipart.File) *widget.File {
	return &widget.File{Name: header.Filename, Size: header.Size, Content: content}
}

func principalFrom(c *gin.Context) users.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return users.Principal{}
	}
	principal, _ := value.(users.Principal)
	return principal
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"geoattend/internal/faceclient"
	"geoattend/internal/geo"
)

// positionRequest is a location sample posted by the client. LocationError reports a
// client-side failure such as "permission_denied" or "timeout" instead of a sample.
type positionRequest struct {
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	Accuracy      float64  `json:"accuracy"`
	LocationError string   `json:"location_error"`
}

func (p positionRequest) source() geo.Source {
	switch {
	case p.LocationError == "permission_denied":
		return geo.SourceFunc(func(context.Context) (geo.Position, error) { return geo.Position{}, geo.ErrPermissionDenied })
	case p.LocationError != "":
		msg := p.LocationError
		return geo.SourceFunc(func(context.Context) (geo.Position, error) { return geo.Position{}, errors.New("client reported " + msg) })
	case p.Latitude == nil || p.Longitude == nil:
		return geo.SourceFunc(func(context.Context) (geo.Position, error) { return geo.Position{}, errors.New("no position supplied") })
	}
	return geo.Static(geo.Position{
		Point:          geo.Point{Latitude: *p.Latitude, Longitude: *p.Longitude},
		AccuracyMeters: p.Accuracy,
	})
}

type verifyLocationRequest struct {
	Code string `json:"code"`
	positionRequest
}

// VerifyLocation runs the geofence step.
func (h *Handler) VerifyLocation(c *gin.Context) {
	var req verifyLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.pipeline.VerifyLocation(c.Request.Context(), identity(c), req.Code, req.source())
	if err != nil {
		status, body := errorBody(err)
		if res.Outcome != "" {
			body["outcome"] = res.Outcome
			body["state"] = res.State
		}
		c.AbortWithStatusJSON(status, body)
		return
	}
	c.JSON(http.StatusOK, res)
}

type verifyCodeRequest struct {
	Code string `json:"code" binding:"required"`
	positionRequest
}

// VerifyCode runs the session code step.
func (h *Handler) VerifyCode(c *gin.Context) {
	var req verifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "code is required")
		return
	}
	res, err := h.pipeline.VerifyCode(c.Request.Context(), identity(c), req.Code, req.source())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// VerifyFace accepts a live photo as multipart "photo" or JSON image_base64, and commits
// attendance on a match. Image URLs are refused so a stored photo cannot stand in for a
// live one.
func (h *Handler) VerifyFace(c *gin.Context) {
	img, ok := readImage(c, "photo")
	if !ok {
		return
	}
	res, err := h.pipeline.VerifyFace(c.Request.Context(), identity(c), img)
	if err != nil {
		status, body := errorBody(err)
		if res.Face.Threshold > 0 {
			body["face"] = res.Face
		}
		if status >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.AbortWithStatusJSON(status, body)
		return
	}
	status := http.StatusCreated
	if !res.Added {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// CheckFaceUpload reports whether the caller has a reference photo.
func (h *Handler) CheckFaceUpload(c *gin.Context) {
	res, err := h.pipeline.CheckFaceUpload(c.Request.Context(), identity(c).UserID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UploadFaceImage stores the caller's reference photo, sent as multipart "file" or JSON
// {"data": "<base64 data URL>"}.
func (h *Handler) UploadFaceImage(c *gin.Context) {
	img, ok := readImage(c, "file")
	if !ok {
		return
	}
	res, err := h.pipeline.UploadReferenceImage(c.Request.Context(), identity(c), img.Data, "reference.jpg")
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// History lists the caller's attended sessions.
func (h *Handler) History(c *gin.Context) {
	out, err := h.pipeline.History(c.Request.Context(), identity(c).UserID, queryLimit(c, 50, 200))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": out})
}

// State returns the caller's verification state.
func (h *Handler) State(c *gin.Context) {
	st, err := h.pipeline.State(c.Request.Context(), identity(c).UserID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ResetState cancels the caller's verification flow.
func (h *Handler) ResetState(c *gin.Context) {
	st, err := h.pipeline.Reset(c.Request.Context(), identity(c).UserID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type imageRequest struct {
	ImageURL    string `json:"image_url"`
	ImageBase64 string `json:"image_base64"`
	Data        string `json:"data"`
}

// readImage reads an image from a multipart field or a JSON body. It writes the error
// response itself and reports false on failure.
func readImage(c *gin.Context, field string) (faceclient.Image, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxImageBytes)

	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, _, err := c.Request.FormFile(field)
		if err != nil {
			badRequest(c, field+" file field required")
			return faceclient.Image{}, false
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			badRequest(c, "could not read "+field)
			return faceclient.Image{}, false
		}
		return faceclient.Image{Data: data}, true
	}

	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "provide a "+field+" file or {\"image_base64\": \"...\"}")
		return faceclient.Image{}, false
	}
	if req.ImageURL != "" {
		badRequest(c, "image_url is not accepted, send the image bytes")
		return faceclient.Image{}, false
	}
	encoded := req.ImageBase64
	if encoded == "" {
		encoded = req.Data
	}
	if encoded != "" {
		data, err := decodeDataURL(encoded)
		if err != nil {
			badRequest(c, "image is not valid base64")
			return faceclient.Image{}, false
		}
		return faceclient.Image{Data: data}, true
	}
	badRequest(c, "image is required")
	return faceclient.Image{}, false
}

// decodeDataURL accepts raw base64 or a "data:<mime>;base64,<payload>" URL.
func decodeDataURL(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, errors.New("malformed data URL")
		}
		s = s[i+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}

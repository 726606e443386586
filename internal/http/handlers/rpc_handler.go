// Procedure and order file HTTP handlers.
//
//   - POST   /rpc/{name}                      (invoke a named procedure)
//   - POST   /orders/{key}/files              (upload an order or item file)
//   - GET    /orders/{key}/files              (list files with signed URLs)
//   - DELETE /orders/{key}/files/{fileId}     (remove a file)
//
// {key} is either the order UUID or its order number.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/parcel-forwarding-backend/internal/http/middleware"
	"github.com/tbourn/parcel-forwarding-backend/internal/rpc"
	"github.com/tbourn/parcel-forwarding-backend/internal/services"
)

// CallProcedure godoc
// @ID          callProcedure
// @Summary     Invoke a named procedure
// @Description Forwards the JSON body as arguments to one procedure (mark_chat_read, create_order, admin_set_quote, ...). Failures carry the procedure's error code.
// @Tags        Procedures
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       name  path  string  true   "Procedure name"  example(mark_chat_read)
// @Param       body  body  object  false  "Procedure arguments"
//
// @Success     200  {object}  object
// @Failure     400  {object}  handlers.ErrorResponse  "INVALID_ARGUMENT"
// @Failure     401  {object}  handlers.ErrorResponse  "UNAUTHORIZED"
// @Failure     403  {object}  handlers.ErrorResponse  "FORBIDDEN"
// @Failure     404  {object}  handlers.ErrorResponse  "ORDER_NOT_FOUND, CHAT_NOT_FOUND, UNKNOWN_PROCEDURE, ..."
// @Failure     409  {object}  handlers.ErrorResponse  "ORDER_NOT_DELETABLE, INVALID_STATUS_TRANSITION, ..."
// @Failure     500  {object}  handlers.ErrorResponse  "INTERNAL"
// @Router      /rpc/{name} [post]
func (h *Handlers) CallProcedure(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	if len(strings.TrimSpace(string(raw))) > 0 && !json.Valid(raw) {
		fail(c, http.StatusBadRequest, rpc.CodeInvalidArgument, "body must be JSON")
		return
	}

	out, err := h.procs.Call(c.Request.Context(), caller(c), c.Param("name"), json.RawMessage(raw))
	if err != nil {
		e := rpc.AsError(err)
		fail(c, rpcStatus(e.Kind), e.Code, e.Message)
		return
	}
	ok(c, http.StatusOK, out)
}

func fileCaller(c *gin.Context) services.Caller {
	return services.Caller{UserID: middleware.UserID(c), Admin: middleware.IsAdmin(c)}
}

// itemParam parses the optional item number from a query or form value.
func itemParam(raw string) (*int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return nil, errors.New("item must be a positive integer")
	}
	return &n, nil
}

// UploadOrderFile godoc
// @ID          uploadOrderFile
// @Summary     Upload an order file
// @Description Stores one file for the whole order, or for one item when "item" is set. A file with the same name at the same scope is rejected.
// @Tags        Orders
// @Accept      mpfd
// @Produce     json
// @Security    BearerAuth
//
// @Param       key   path      string  true   "Order UUID or order number"
// @Param       item  formData  int     false  "Item number"
// @Param       file  formData  file    true   "The file"
//
// @Success     201  {object}  domain.OrderFile
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request or file too large"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the order owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Order or item not found"
// @Failure     409  {object}  handlers.ErrorResponse  "File exists"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders/{key}/files [post]
func (h *Handlers) UploadOrderFile(c *gin.Context) {
	item, err := itemParam(c.PostForm("item"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "file part required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable file part")
		return
	}
	defer f.Close()

	row, err := h.fileSvc.Upload(c.Request.Context(), c.Param("key"), item, services.FileInput{
		Name:     fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Size:     fh.Size,
		Body:     f,
	}, fileCaller(c))
	if err != nil {
		failService(c, err, ErrCodeUploadFailed)
		return
	}
	ok(c, http.StatusCreated, row)
}

// ListOrderFiles godoc
// @ID          listOrderFiles
// @Summary     List order files
// @Description Returns the files of an order, or of one item, each with a signed URL valid for one hour.
// @Tags        Orders
// @Produce     json
// @Security    BearerAuth
//
// @Param       key   path   string  true   "Order UUID or order number"
// @Param       item  query  int     false  "Item number"
//
// @Success     200  {array}   domain.OrderFile
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the order owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Order not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders/{key}/files [get]
func (h *Handlers) ListOrderFiles(c *gin.Context) {
	item, err := itemParam(c.Query("item"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	files, err := h.fileSvc.List(c.Request.Context(), c.Param("key"), item, fileCaller(c))
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, files)
}

// DeleteOrderFile godoc
// @ID          deleteOrderFile
// @Summary     Delete an order file
// @Tags        Orders
// @Security    BearerAuth
//
// @Param       key     path  string  true  "Order UUID or order number"
// @Param       fileId  path  string  true  "File ID"  format(uuid)
//
// @Success     204  {string}  string "No Content"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the order owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Order or file not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders/{key}/files/{fileId} [delete]
func (h *Handlers) DeleteOrderFile(c *gin.Context) {
	if err := h.fileSvc.Delete(c.Request.Context(), c.Param("key"), c.Param("fileId"), fileCaller(c)); err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}

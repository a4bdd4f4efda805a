package files

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/lwhitby/sift/internal/catalog"
)

type (
	FileDto struct {
		Id          int64     `json:"id"`
		Path        string    `json:"path"`
		ContentHash string    `json:"content_hash"`
		Kind        string    `json:"kind"`
		CreatedAt   time.Time `json:"created_at"`
		UpdatedAt   time.Time `json:"updated_at"`
	}

	ParseDto struct {
		Processor  string    `json:"processor"`
		Status     string    `json:"status"`
		OutputPath *string   `json:"output_path"`
		Error      *string   `json:"error"`
		UpdatedAt  time.Time `json:"updated_at"`
	}

	// FileDetailDto is the single-file response: the file plus its
	// parse states and tags.
	FileDetailDto struct {
		FileDto
		Parses []ParseDto         `json:"parses"`
		Tags   map[string]*string `json:"tags"`
	}

	TagRequest struct {
		Key   string  `json:"key" validate:"required"`
		Value *string `json:"value"`
	}

	Controller struct {
		db      *sqlx.DB
		catalog *catalog.Store
	}
)

func New(db *sqlx.DB, catalogStore *catalog.Store) *Controller {
	return &Controller{db: db, catalog: catalogStore}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.GET("/:id/tags/", controller.listTags)
	eg.POST("/:id/tags/", controller.setTag)
	eg.DELETE("/:id/tags/:key/", controller.deleteTag)
}

// list returns catalogued files, optionally filtered by ?kind=.
func (controller *Controller) list(ec echo.Context) error {
	var kinds []catalog.FileKind
	if raw := ec.QueryParam("kind"); raw != "" {
		kind := catalog.FileKind(raw)
		if kind != catalog.Original && kind != catalog.Derivative {
			return echo.NewHTTPError(http.StatusBadRequest, "Unknown file kind "+raw)
		}
		kinds = append(kinds, kind)
	}

	files, err := controller.catalog.ListFiles(controller.db, kinds...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*FileDto, len(files))
	for k, v := range files {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) get(ec echo.Context) error {
	file, httpErr := controller.fileFromParam(ec)
	if httpErr != nil {
		return httpErr
	}

	parses, err := controller.catalog.ListParsesForFile(controller.db, file.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	tags, err := controller.catalog.ListFileTags(controller.db, file.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	detail := &FileDetailDto{
		FileDto: *NewDto(file),
		Parses:  make([]ParseDto, len(parses)),
		Tags:    make(map[string]*string, len(tags)),
	}
	for k, v := range parses {
		detail.Parses[k] = ParseDto{
			Processor:  v.Processor,
			Status:     string(v.Status),
			OutputPath: v.OutputPath,
			Error:      v.Error,
			UpdatedAt:  v.UpdatedAt,
		}
	}
	for _, tag := range tags {
		detail.Tags[tag.Key] = tag.Value
	}

	return ec.JSON(http.StatusOK, detail)
}

func (controller *Controller) listTags(ec echo.Context) error {
	file, httpErr := controller.fileFromParam(ec)
	if httpErr != nil {
		return httpErr
	}

	tags, err := controller.catalog.ListFileTags(controller.db, file.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make(map[string]*string, len(tags))
	for _, tag := range tags {
		out[tag.Key] = tag.Value
	}

	return ec.JSON(http.StatusOK, out)
}

// setTag upserts a tag on the file. Tags influence which processors
// consider the file applicable on its next evaluation.
func (controller *Controller) setTag(ec echo.Context) error {
	file, httpErr := controller.fileFromParam(ec)
	if httpErr != nil {
		return httpErr
	}

	var request TagRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body illegal")
	}
	if request.Key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body missing mandatory 'key' field")
	}

	if err := controller.catalog.SetFileTag(controller.db, file.ID, request.Key, request.Value); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) deleteTag(ec echo.Context) error {
	file, httpErr := controller.fileFromParam(ec)
	if httpErr != nil {
		return httpErr
	}

	if err := controller.catalog.DeleteFileTag(controller.db, file.ID, ec.Param("key")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) fileFromParam(ec echo.Context) (*catalog.File, *echo.HTTPError) {
	id, err := strconv.ParseInt(ec.Param("id"), 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "File ID is not a valid integer")
	}

	file, err := controller.catalog.GetFileByID(controller.db, id)
	if errors.Is(err, catalog.ErrFileNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound)
	} else if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return file, nil
}

func NewDto(file *catalog.File) *FileDto {
	return &FileDto{
		Id:          file.ID,
		Path:        file.Path,
		ContentHash: file.ContentHash,
		Kind:        string(file.Kind),
		CreatedAt:   file.CreatedAt,
		UpdatedAt:   file.UpdatedAt,
	}
}

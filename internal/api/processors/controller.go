package processors

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/internal/database"
)

type (
	// ProcessorConfigDto mirrors a row of the processor_configs table.
	// Config is implementation-specific and passed through opaquely.
	ProcessorConfigDto struct {
		Name               string          `json:"name"`
		Implementation     string          `json:"implementation" validate:"required"`
		InputExtensions    []string        `json:"input_extensions"`
		InputTags          []string        `json:"input_tags"`
		OutputExt          string          `json:"output_ext" validate:"required"`
		DependsOn          []string        `json:"depends_on"`
		IsEnabled          bool            `json:"is_enabled"`
		AllowUserSelection bool            `json:"allow_user_selection"`
		AllowDerivedFiles  bool            `json:"allow_derived_files"`
		Config             json.RawMessage `json:"config"`
	}

	Controller struct {
		db       *sqlx.DB
		catalog  *catalog.Store
		validate *validator.Validate
	}
)

func New(db *sqlx.DB, catalogStore *catalog.Store, validate *validator.Validate) *Controller {
	return &Controller{db: db, catalog: catalogStore, validate: validate}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/:name/", controller.get)
	eg.PUT("/:name/", controller.upsert)
	eg.DELETE("/:name/", controller.delete)
}

func (controller *Controller) list(ec echo.Context) error {
	configs, err := controller.catalog.ListProcessorConfigs(controller.db, false)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	dtos := make([]*ProcessorConfigDto, len(configs))
	for k, v := range configs {
		dtos[k] = NewDto(v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) get(ec echo.Context) error {
	config, err := controller.catalog.GetProcessorConfig(controller.db, ec.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	return ec.JSON(http.StatusOK, NewDto(config))
}

// upsert creates or replaces a processor binding. The new binding takes
// effect when the registry is next rebuilt at startup; a running
// instance keeps its validated registry.
func (controller *Controller) upsert(ec echo.Context) error {
	var request ProcessorConfigDto
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "JSON body illegal")
	}

	request.Name = ec.Param("name")
	if err := controller.validate.Struct(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	options := map[string]interface{}{}
	if len(request.Config) > 0 {
		if err := json.Unmarshal(request.Config, &options); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Processor config must be a JSON object")
		}
	}

	config := &catalog.ProcessorConfig{
		Name:               request.Name,
		Implementation:     request.Implementation,
		InputExtensions:    request.InputExtensions,
		InputTags:          request.InputTags,
		OutputExt:          request.OutputExt,
		DependsOn:          request.DependsOn,
		IsEnabled:          request.IsEnabled,
		AllowUserSelection: request.AllowUserSelection,
		AllowDerivedFiles:  request.AllowDerivedFiles,
		Config:             database.NewJsonColumn(options),
	}

	if err := controller.catalog.UpsertProcessorConfig(controller.db, config); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func (controller *Controller) delete(ec echo.Context) error {
	if err := controller.catalog.DeleteProcessorConfig(controller.db, ec.Param("name")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return ec.NoContent(http.StatusOK)
}

func NewDto(config *catalog.ProcessorConfig) *ProcessorConfigDto {
	// A map always marshals.
	raw, _ := json.Marshal(*config.Config.Get())

	return &ProcessorConfigDto{
		Name:               config.Name,
		Implementation:     config.Implementation,
		InputExtensions:    config.InputExtensions,
		InputTags:          config.InputTags,
		OutputExt:          config.OutputExt,
		DependsOn:          config.DependsOn,
		IsEnabled:          config.IsEnabled,
		AllowUserSelection: config.AllowUserSelection,
		AllowDerivedFiles:  config.AllowDerivedFiles,
		Config:             raw,
	}
}

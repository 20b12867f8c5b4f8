package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/fleetinsight/fleetinsight/cmd/fleetinsight/helpers"
	"github.com/fleetinsight/fleetinsight/internal/models"
	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRestAPI initializes the REST surface and starts listening. The
// collection layer itself defines no wire protocol, this is just the thin
// caller packaged with the service.
func SetupRestAPI(accounts gin.Accounts, version string) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Request logging and panic recovery through zap, as everywhere else
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", gin.BasicAuth(accounts))
	{
		v1.GET("/data/:dataType/:deviceID", getDataHandler)
		v1.DELETE("/data/:dataType/:deviceID", deleteDataHandler)
		v1.GET("/freshness/:dataType", getThresholdHandler)
		v1.PUT("/freshness/:dataType", setThresholdHandler)
		v1.GET("/cachemetrics", getCacheMetricsHandler)
	}

	zap.S().Infof("Starting version %s of the API", version)
	err := router.Run(":80")
	if err != nil {
		zap.S().Fatalf("Failed to start REST API: %s", err)
	}
}

type dataRequest struct {
	DataType string `uri:"dataType" binding:"required"`
	DeviceID string `uri:"deviceID" binding:"required,uuid"`
}

func getDataHandler(c *gin.Context) {
	var request dataRequest
	err := c.BindUri(&request)
	if err != nil {
		helpers.HandleInvalidInputError(c, err)
		return
	}
	deviceID, err := uuid.Parse(request.DeviceID)
	if err != nil {
		helpers.HandleInvalidInputError(c, err)
		return
	}
	forceRefresh := c.Query("forceRefresh") == "true"
	bestEffort := c.Query("bestEffort") == "true"

	var envelope models.Envelope
	if bestEffort {
		envelope, err = coord.GetFreshDataBestEffort(c.Request.Context(), request.DataType, deviceID, forceRefresh)
	} else {
		envelope, err = coord.GetFreshData(c.Request.Context(), request.DataType, deviceID, forceRefresh)
	}
	if err != nil {
		var collectionErr *models.DataCollectionError
		switch {
		case errors.As(err, &collectionErr):
			helpers.HandleCollectionFailure(c, err)
		case errors.Is(err, models.ErrInvalidKey):
			helpers.HandleInvalidInputError(c, err)
		default:
			helpers.HandleInternalServerError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, envelope)
}

func deleteDataHandler(c *gin.Context) {
	var request dataRequest
	err := c.BindUri(&request)
	if err != nil {
		helpers.HandleInvalidInputError(c, err)
		return
	}
	deviceID, err := uuid.Parse(request.DeviceID)
	if err != nil {
		helpers.HandleInvalidInputError(c, err)
		return
	}

	found, err := coord.Invalidate(c.Request.Context(), request.DataType, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidKey) {
			helpers.HandleInvalidInputError(c, err)
			return
		}
		helpers.HandleInternalServerError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": found})
}

func getThresholdHandler(c *gin.Context) {
	dataType := c.Param("dataType")
	if dataType == "" {
		helpers.HandleInvalidInputError(c, models.ErrInvalidKey)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data_type":         dataType,
		"threshold_seconds": coord.GetFreshnessThreshold(dataType),
	})
}

type setThresholdRequest struct {
	Seconds int `json:"seconds" binding:"required"`
}

func setThresholdHandler(c *gin.Context) {
	dataType := c.Param("dataType")

	var request setThresholdRequest
	err := c.BindJSON(&request)
	if err != nil {
		helpers.HandleInvalidInputError(c, err)
		return
	}

	err = coord.SetFreshnessThreshold(dataType, request.Seconds)
	if err != nil {
		helpers.HandleInvalidInputError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data_type":         dataType,
		"threshold_seconds": request.Seconds,
	})
}

func getCacheMetricsHandler(c *gin.Context) {
	snapshot := coord.Metrics()

	entries, err := store.EntryCount(c.Request.Context())
	if err != nil {
		zap.S().Warnf("Failed to read cache entry count: %s", err)
		entries = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"cache":                  snapshot,
		"entries":                entries,
		"max_cache_size":         store.Config().MaxCacheSize,
		"approx_memory_bytes":    store.MemoryUsageBytes(),
		"max_memory_mb_advisory": store.Config().MaxMemoryMB,
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/xray-api/config"
	"github.com/Brownie44l1/xray-api/internal/analysis"
	"github.com/Brownie44l1/xray-api/internal/handlers"
	"github.com/Brownie44l1/xray-api/internal/model"
	"github.com/Brownie44l1/xray-api/internal/overlay"
	"github.com/Brownie44l1/xray-api/internal/preprocess"
	"github.com/Brownie44l1/xray-api/web"

	custom_logger "github.com/Brownie44l1/xray-api/internal/logger"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, _ := custom_logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	if !config.Config.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, loadErr := newService(logger)
	if loadErr != nil {
		logger.Error("model unavailable, analysis disabled", zap.Error(loadErr))
	} else {
		logger.Info("model loaded",
			zap.String("backbone", config.Config.Model.Backbone),
			zap.String("weights", config.Config.Model.Weights),
			zap.Strings("classes", config.Config.Model.Classes))
	}

	tmpl, err := web.Templates()
	if err != nil {
		logger.Fatal("parse templates", zap.Error(err))
	}

	maxUpload := int64(config.Config.Server.MaxUploadSize) << 20
	router := handlers.NewRouter(handlers.NewHandler(svc, loadErr, maxUpload), tmpl)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Config.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errSig := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errSig <- err
		}
	}()

	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errSig:
		logger.Error("server failed", zap.Error(err))
	case <-quitSig:
		logger.Info("shutting down server...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	if err := model.CloseClassifiers(); err != nil {
		logger.Error("close classifier", zap.Error(err))
	}
	model.ShutdownRuntime()
}

// newService loads the classifier once. Any error leaves the server running
// with analysis disabled.
func newService(logger *zap.Logger) (*analysis.Service, error) {
	cfg := config.Config

	if err := model.InitRuntime(cfg.Model.ONNXRuntime); err != nil {
		return nil, &model.LoadError{Path: cfg.Model.ONNXRuntime, Err: err}
	}

	meta := model.Metadata{
		FeatureLayer: cfg.Model.FeatureLayer,
		ImageSize:    cfg.Model.ImageSize,
		FeatureShape: cfg.Model.FeatureShape,
		Classes:      cfg.Model.Classes,
		Dropout:      cfg.Model.Dropout,
	}

	classifier, err := model.LoadClassifier(model.Options{
		BackbonePath: cfg.Model.Backbone,
		WeightsPath:  cfg.Model.Weights,
		Meta:         meta,
	})
	if err != nil {
		return nil, err
	}

	interp, err := preprocess.ParseInterpolation(cfg.Preprocess.Interpolation)
	if err != nil {
		return nil, err
	}
	colormap, err := overlay.ParseColormap(cfg.Overlay.Colormap)
	if err != nil {
		return nil, err
	}

	logger.Debug("pipeline configured",
		zap.String("layer", meta.FeatureLayer),
		zap.String("interpolation", cfg.Preprocess.Interpolation),
		zap.String("colormap", cfg.Overlay.Colormap))

	return analysis.NewService(classifier, analysis.Options{
		Layer: meta.FeatureLayer,
		Preprocess: preprocess.Options{
			Size:          meta.ImageSize,
			Mean:          cfg.Preprocess.Mean,
			ChannelOrder:  cfg.Preprocess.ChannelOrder,
			Interpolation: interp,
		},
		Overlay: overlay.Options{
			Alpha:    cfg.Overlay.Alpha,
			Colormap: colormap,
		},
		ImageFormat: cfg.Overlay.Format,
	}), nil
}

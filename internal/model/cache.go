package model

import (
	"errors"
	"fmt"
	"sync"
)

// Options locate the two model artifacts.
type Options struct {
	BackbonePath string
	WeightsPath  string
	Meta         Metadata
	// NewBackbone defaults to ONNXFactory.
	NewBackbone BackboneFactory
}

func (o Options) key() string {
	return o.BackbonePath + "\x00" + o.WeightsPath
}

// Load builds a classifier and loads its weights without caching.
func Load(opts Options) (*Classifier, error) {
	factory := opts.NewBackbone
	if factory == nil {
		factory = ONNXFactory
	}

	backbone, err := factory(opts.BackbonePath, opts.Meta)
	if err != nil {
		return nil, &LoadError{Path: opts.BackbonePath, Err: err}
	}

	if err := checkTopology(backbone, opts.Meta); err != nil {
		_ = backbone.Close()
		return nil, &LoadError{Path: opts.BackbonePath, Err: err}
	}

	c := Build(opts.Meta, backbone)
	if err := c.LoadWeights(opts.WeightsPath); err != nil {
		_ = backbone.Close()
		return nil, &LoadError{Path: opts.WeightsPath, Err: err}
	}
	return c, nil
}

// checkTopology rejects a backbone whose terminal feature map is not the
// one the head was built for.
func checkTopology(backbone Backbone, meta Metadata) error {
	if len(meta.FeatureShape) != 3 {
		return fmt.Errorf("%w: feature shape %v is not [height width depth]", ErrShapeMismatch, meta.FeatureShape)
	}
	h, w, d := backbone.OutputShape()
	if h != meta.FeatureShape[0] || w != meta.FeatureShape[1] || d != meta.FeatureShape[2] {
		return fmt.Errorf("%w: backbone output %s is %dx%dx%d, topology expects %dx%dx%d",
			ErrShapeMismatch, backbone.Output(), h, w, d,
			meta.FeatureShape[0], meta.FeatureShape[1], meta.FeatureShape[2])
	}
	return nil
}

type cacheEntry struct {
	once       sync.Once
	classifier *Classifier
	err        error
}

// Cache keeps one classifier per artifact pair for the life of the process.
// Each entry initializes exactly once; a failed load is remembered as well.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Load returns the cached classifier for opts, loading it on first use.
func (c *Cache) Load(opts Options) (*Classifier, error) {
	c.mu.Lock()
	e, ok := c.entries[opts.key()]
	if !ok {
		e = &cacheEntry{}
		c.entries[opts.key()] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.classifier, e.err = Load(opts)
	})
	return e.classifier, e.err
}

// Close releases every loaded classifier.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for key, e := range c.entries {
		if e.classifier != nil {
			if err := e.classifier.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(c.entries, key)
	}
	return errors.Join(errs...)
}

var defaultCache = NewCache()

// LoadClassifier loads through the process-wide cache.
func LoadClassifier(opts Options) (*Classifier, error) {
	return defaultCache.Load(opts)
}

// CloseClassifiers releases everything held by the process-wide cache.
func CloseClassifiers() error {
	return defaultCache.Close()
}

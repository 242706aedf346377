package model

// Backbone is the convolutional feature extractor in front of the head. It
// exposes its internal feature tensors by layer name.
type Backbone interface {
	// Output names the terminal feature map, the one the head consumes.
	Output() string
	// OutputShape is the height, width and depth of the terminal feature map.
	OutputShape() (height, width, depth int)
	// Layers lists every feature map Forward can return.
	Layers() []string
	// Forward runs one NHWC image through the network and returns the named
	// feature map. Unknown names yield ErrLayerNotFound.
	Forward(input []float32, layer string) (*FeatureMap, error)
	Close() error
}

// BackboneFactory opens the backbone stored at path.
type BackboneFactory func(path string, meta Metadata) (Backbone, error)

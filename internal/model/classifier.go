package model

import (
	"fmt"
)

// Classifier is a backbone followed by global average pooling, dropout and a
// softmax dense layer. It is immutable once its weights are loaded and safe
// for concurrent use.
type Classifier struct {
	meta     Metadata
	backbone Backbone
	pool     *GlobalAveragePooling2D
	dropout  *Dropout
	dense    *Dense
}

// Activations is the record of one forward pass that was differentiated with
// respect to a named feature map.
type Activations struct {
	Layer         string
	Features      *FeatureMap
	Gradients     *FeatureMap
	Probabilities []float32
	Class         int
}

// Build assembles the topology in code. The dense layer has no weights until
// LoadWeights succeeds.
func Build(meta Metadata, backbone Backbone) *Classifier {
	return &Classifier{
		meta:     meta,
		backbone: backbone,
		pool:     &GlobalAveragePooling2D{Name: "global_average_pooling2d"},
		dropout:  &Dropout{Name: "dropout", Rate: meta.Dropout},
		dense:    &Dense{Name: "dense", In: meta.Channels(), Units: len(meta.Classes)},
	}
}

// LoadWeights reads the head weights from a safetensors file. The kernel must
// be [channels, classes] and the bias [classes].
func (c *Classifier) LoadWeights(path string) error {
	tensors, err := ReadWeights(path)
	if err != nil {
		return err
	}

	kernel, ok := lookupWeight(tensors, c.dense.Name+"/kernel")
	if !ok {
		return fmt.Errorf("%s/kernel missing from %s", c.dense.Name, path)
	}
	bias, ok := lookupWeight(tensors, c.dense.Name+"/bias")
	if !ok {
		return fmt.Errorf("%s/bias missing from %s", c.dense.Name, path)
	}

	if len(kernel.Shape) != 2 || kernel.Shape[0] != c.dense.In || kernel.Shape[1] != c.dense.Units {
		return fmt.Errorf("%w: %s has shape %v, topology expects [%d %d]",
			ErrShapeMismatch, kernel.Name, kernel.Shape, c.dense.In, c.dense.Units)
	}
	if len(bias.Shape) != 1 || bias.Shape[0] != c.dense.Units {
		return fmt.Errorf("%w: %s has shape %v, topology expects [%d]",
			ErrShapeMismatch, bias.Name, bias.Shape, c.dense.Units)
	}
	if !allFinite(kernel.Data) || !allFinite(bias.Data) {
		return fmt.Errorf("non-finite values in %s", path)
	}

	c.dense.Kernel = kernel.Data
	c.dense.Bias = bias.Data
	return nil
}

func (c *Classifier) Metadata() Metadata { return c.meta }

// Predict runs one forward pass over a model-ready NHWC image.
func (c *Classifier) Predict(input []float32) (*PredictionResult, error) {
	if len(input) != c.meta.InputSize() {
		return nil, &InferenceError{Err: fmt.Errorf("%w: expected %d values, got %d",
			ErrShapeMismatch, c.meta.InputSize(), len(input))}
	}

	fm, err := c.backbone.Forward(input, c.backbone.Output())
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	probs, err := c.head(fm)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	if !allFinite(probs) {
		return nil, &InferenceError{Err: fmt.Errorf("non-finite probabilities %v", probs)}
	}

	idx := argmax(probs)
	predictions := make(map[string]float32, len(probs))
	for i, p := range probs {
		predictions[c.meta.Classes[i]] = p
	}

	return &PredictionResult{
		Label:         c.meta.Classes[idx],
		Index:         idx,
		Confidence:    probs[idx] * 100,
		Probabilities: probs,
		Predictions:   predictions,
	}, nil
}

func (c *Classifier) head(fm *FeatureMap) ([]float32, error) {
	if err := fm.validate(); err != nil {
		return nil, err
	}
	if fm.Channels != c.dense.In {
		return nil, fmt.Errorf("%w: feature map has %d channels, head expects %d",
			ErrShapeMismatch, fm.Channels, c.dense.In)
	}
	pooled := c.pool.Forward(fm)
	return c.dense.Forward(c.dropout.Forward(pooled))
}

// ForwardWithGradient runs a forward pass recording the named feature map and
// differentiates probability[class] with respect to it. A negative class
// selects the arg-max class. Only the terminal feature map is differentiable
// because the backbone runtime does not expose gradients.
func (c *Classifier) ForwardWithGradient(input []float32, layer string, class int) (*Activations, error) {
	if layer != c.backbone.Output() {
		for _, name := range c.backbone.Layers() {
			if name == layer {
				return nil, fmt.Errorf("%w: %s", ErrLayerNotDifferentiable, layer)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, layer)
	}
	if len(input) != c.meta.InputSize() {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrShapeMismatch, c.meta.InputSize(), len(input))
	}

	fm, err := c.backbone.Forward(input, layer)
	if err != nil {
		return nil, err
	}
	probs, err := c.head(fm)
	if err != nil {
		return nil, err
	}

	if class < 0 {
		class = argmax(probs)
	}
	if class >= len(probs) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrClassOutOfRange, class, len(probs))
	}

	grad := c.dense.Backward(probs, class)
	grad = c.dropout.Backward(grad)
	gradients := c.pool.Backward(fm, grad)

	return &Activations{
		Layer:         layer,
		Features:      fm,
		Gradients:     gradients,
		Probabilities: probs,
		Class:         class,
	}, nil
}

func (c *Classifier) Close() error {
	return c.backbone.Close()
}

package adaptor

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyTrainingSet is returned when Train is called with no examples.
	ErrEmptyTrainingSet = errors.New("empty training set")

	// ErrDiverged is returned when training produces non-finite weights.
	ErrDiverged = errors.New("training diverged to non-finite weights")
)

// TrainingExample is a labeled (query embedding, document embedding) pair
// derived from a feedback event. Label is +1 for helpful documents and -1
// for unhelpful ones.
type TrainingExample struct {
	Query    []float32
	Document []float32
	Label    float32
}

// TrainerConfig holds the optimizer hyperparameters.
type TrainerConfig struct {
	// Epochs is the fixed number of full passes over the examples.
	Epochs int

	// LearningRate is the gradient step size.
	LearningRate float32

	// Lambda weights the regularization term penalizing divergence of the
	// matrix from the identity.
	Lambda float32
}

// DefaultTrainerConfig returns conservative hyperparameters.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Epochs:       50,
		LearningRate: 0.01,
		Lambda:       0.1,
	}
}

// Trainer produces a new adaptor matrix from queued training examples.
//
// The objective moves the cosine similarity between the adapted query
// embedding and the document embedding toward the example label, with an
// L2 penalty on drift from the identity:
//
//	loss = sum_i (cos(A*q_i, d_i) - label_i)^2 + lambda * ||A - I||^2
//
// Training is full-batch gradient descent over a fixed number of epochs
// and is deterministic given the example ordering. It never mutates the
// base matrix.
type Trainer struct {
	cfg TrainerConfig
}

// NewTrainer creates a trainer, filling zero config fields with defaults.
func NewTrainer(cfg TrainerConfig) *Trainer {
	def := DefaultTrainerConfig()
	if cfg.Epochs <= 0 {
		cfg.Epochs = def.Epochs
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.Lambda < 0 {
		cfg.Lambda = def.Lambda
	}
	return &Trainer{cfg: cfg}
}

// Train returns a new matrix adjusted toward the example labels.
// On any failure the caller keeps serving with the previously committed
// matrix; training failure is never fatal.
func (t *Trainer) Train(examples []TrainingExample, base *Matrix) (*Matrix, error) {
	return t.TrainEpochs(examples, base, t.cfg.Epochs)
}

// TrainEpochs is Train with an explicit epoch count, used by the manual
// training trigger.
func (t *Trainer) TrainEpochs(examples []TrainingExample, base *Matrix, epochs int) (*Matrix, error) {
	if len(examples) == 0 {
		return nil, ErrEmptyTrainingSet
	}
	if epochs <= 0 {
		epochs = t.cfg.Epochs
	}

	dim := base.Dim()
	for i, ex := range examples {
		if len(ex.Query) != dim || len(ex.Document) != dim {
			return nil, fmt.Errorf("example %d has dimensions (%d, %d), want %d", i, len(ex.Query), len(ex.Document), dim)
		}
		if ex.Label != 1 && ex.Label != -1 {
			return nil, fmt.Errorf("example %d has label %v, want +1 or -1", i, ex.Label)
		}
	}

	// Work in float64 to keep gradient accumulation stable.
	w := make([]float64, dim*dim)
	for i, v := range base.w {
		w[i] = float64(v)
	}

	lr := float64(t.cfg.LearningRate)
	lambda := float64(t.cfg.Lambda)
	n := float64(len(examples))

	u := make([]float64, dim)    // adapted query, reused per example
	grad := make([]float64, dim*dim)

	for epoch := 0; epoch < epochs; epoch++ {
		for i := range grad {
			grad[i] = 0
		}

		for _, ex := range examples {
			// u = A * q
			for i := 0; i < dim; i++ {
				row := w[i*dim : (i+1)*dim]
				var sum float64
				for j := 0; j < dim; j++ {
					sum += row[j] * float64(ex.Query[j])
				}
				u[i] = sum
			}

			var dot, nu, nd float64
			for i := 0; i < dim; i++ {
				d := float64(ex.Document[i])
				dot += u[i] * d
				nu += u[i] * u[i]
				nd += d * d
			}
			if nu == 0 || nd == 0 {
				// Degenerate vectors contribute no gradient.
				continue
			}
			normU := math.Sqrt(nu)
			normD := math.Sqrt(nd)
			cos := dot / (normU * normD)
			residual := cos - float64(ex.Label)

			// dcos/du_i = d_i/(|u||d|) - cos*u_i/|u|^2
			// dloss/dA_ij = 2*residual * dcos/du_i * q_j
			for i := 0; i < dim; i++ {
				dcos := float64(ex.Document[i])/(normU*normD) - cos*u[i]/nu
				coef := 2 * residual * dcos
				if coef == 0 {
					continue
				}
				gradRow := grad[i*dim : (i+1)*dim]
				for j := 0; j < dim; j++ {
					gradRow[j] += coef * float64(ex.Query[j])
				}
			}
		}

		// Average example gradient plus identity regularization.
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				idx := i*dim + j
				g := grad[idx] / n
				reg := w[idx]
				if i == j {
					reg -= 1
				}
				w[idx] -= lr * (g + 2*lambda*reg)
			}
		}
	}

	out := make([]float32, dim*dim)
	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrDiverged
		}
		out[i] = float32(v)
	}

	return &Matrix{dim: dim, w: out}, nil
}

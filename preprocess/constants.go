package preprocess

const (
	// InputSize is the side length of the square model input.
	InputSize = 160
	Channels  = 3
	// TensorSize is the exact float count of one preprocessed face.
	TensorSize = InputSize * InputSize * Channels
)

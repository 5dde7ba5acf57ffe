package server

// SampleRequest asks for Count images drawn from the prior. Without a seed the
// model's own noise stream is used.
type SampleRequest struct {
	Count int     `json:"count"`
	Seed  *uint64 `json:"seed,omitempty"`
}

// ImagesRequest carries flattened images with pixels in [0, 1].
type ImagesRequest struct {
	Images [][]float32 `json:"images"`
}

type ImagesResponse struct {
	Images [][]float32 `json:"images"`
}

type EncodeResponse struct {
	Mu    [][]float32 `json:"mu"`
	Sigma [][]float32 `json:"sigma"`
	Z     [][]float32 `json:"z,omitempty"`
}

type ModelResponse struct {
	RunID            string   `json:"run_id,omitempty"`
	Epoch            int      `json:"epoch"`
	InputDim         int      `json:"input_dim"`
	LatentDim        int      `json:"latent_dim"`
	Likelihood       string   `json:"likelihood"`
	Parameterization string   `json:"parameterization"`
	Flow             []string `json:"flow,omitempty"`
	Parameters       int      `json:"parameters"`
	BitsPerDim       float64  `json:"bits_per_dim,omitempty"`
}

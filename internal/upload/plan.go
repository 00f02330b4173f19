package upload

const (
	// MinChunkSize is the starting part size. Object stores reject
	// multipart parts smaller than 5 MiB.
	MinChunkSize int64 = 5 << 20

	// ChunkStep is the increment applied until the part count fits.
	ChunkStep int64 = 1 << 20

	// MaxParts is the most parts a multipart upload may have.
	MaxParts = 10_000
)

// Plan is the chunk layout of one file.
type Plan struct {
	FileSize  int64
	ChunkSize int64
	NumParts  int
}

// NewPlan returns the plan for a file of size bytes: the smallest chunk
// size of the form MinChunkSize + k*ChunkStep for which
// ceil(size/chunk) <= MaxParts. An empty file has zero parts.
func NewPlan(size int64) Plan {
	if size < 0 {
		size = 0
	}

	chunk := MinChunkSize

	// ceil(size/chunk) <= MaxParts  <=>  chunk >= ceil(size/MaxParts)
	if need := ceilDiv(size, MaxParts); need > chunk {
		chunk += ceilDiv(need-MinChunkSize, ChunkStep) * ChunkStep
	}

	return Plan{
		FileSize:  size,
		ChunkSize: chunk,
		NumParts:  int(ceilDiv(size, chunk)),
	}
}

// PartRange returns the byte offset and length of part i. The last part
// may be short.
func (p Plan) PartRange(i int) (offset, length int64) {
	if i < 0 || i >= p.NumParts {
		return 0, 0
	}

	offset = int64(i) * p.ChunkSize
	length = min(p.ChunkSize, p.FileSize-offset)

	return offset, length
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}

	return (a + b - 1) / b
}

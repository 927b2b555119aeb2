package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
)

const defaultCompressMinSize = 1024

// Compressor shrinks envelope payloads above the size threshold before they
// cross the broker. Compression moves the bytes from Payload to
// CompressedPayload and stamps the algorithm; Decompress is the exact
// inverse regardless of which algorithm the producer used.
type Compressor struct {
	cfg     *config.CompressionConfig
	metrics *webhook.Metrics
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
}

// NewCompressor builds the compressor. The zstd coders are allocated once;
// their EncodeAll/DecodeAll paths are safe for concurrent use.
func NewCompressor(cfg *config.CompressionConfig, metrics *webhook.Metrics) (*Compressor, error) {
	if cfg == nil {
		cfg = &config.CompressionConfig{}
	}
	if metrics == nil {
		metrics, _ = webhook.NewMetrics(context.Background(), nil)
	}
	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zstd decoder: %w", err)
	}
	return &Compressor{cfg: cfg, metrics: metrics, zenc: zenc, zdec: zdec}, nil
}

func (c *Compressor) minSize() int {
	if c.cfg.MinSize > 0 {
		return c.cfg.MinSize
	}
	return defaultCompressMinSize
}

func (c *Compressor) algorithm() string {
	if c.cfg.Algorithm == webhook.AlgorithmZstd {
		return webhook.AlgorithmZstd
	}
	return webhook.AlgorithmGzip
}

// Compress encodes the envelope payload in place when it crosses the size
// threshold. Envelopes below the threshold pass through untouched with
// Compressed left false.
func (c *Compressor) Compress(ctx context.Context, env *webhook.Envelope) error {
	if !c.cfg.Enabled || env == nil || env.Compressed {
		return nil
	}
	original := len(env.Payload)
	if original < c.minSize() {
		return nil
	}
	algorithm := c.algorithm()
	encoded, err := c.encode(algorithm, env.Payload)
	if err != nil {
		return fmt.Errorf("failed to compress payload: %w", err)
	}
	env.CompressedPayload = encoded
	env.Compressed = true
	env.Algorithm = algorithm
	env.Payload = nil
	c.metrics.ObserveCompressionRatio(ctx, env.ProviderName, algorithm,
		float64(len(encoded))/float64(original))
	return nil
}

// Decompress restores the original payload bytes. It trusts the envelope's
// own algorithm stamp, not the local configuration, so mixed fleets can roll
// the algorithm forward safely.
func (c *Compressor) Decompress(_ context.Context, env *webhook.Envelope) error {
	if env == nil || !env.Compressed {
		return nil
	}
	decoded, err := c.decode(env.Algorithm, env.CompressedPayload)
	if err != nil {
		return fmt.Errorf("failed to decompress payload: %w", err)
	}
	env.Payload = decoded
	env.CompressedPayload = nil
	env.Compressed = false
	env.Algorithm = ""
	return nil
}

func (c *Compressor) encode(algorithm string, payload []byte) ([]byte, error) {
	switch algorithm {
	case webhook.AlgorithmZstd:
		return c.zenc.EncodeAll(payload, nil), nil
	case webhook.AlgorithmGzip:
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
	}
}

func (c *Compressor) decode(algorithm string, payload []byte) ([]byte, error) {
	switch algorithm {
	case webhook.AlgorithmZstd:
		return c.zdec.DecodeAll(payload, nil)
	case webhook.AlgorithmGzip:
		gr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
	}
}

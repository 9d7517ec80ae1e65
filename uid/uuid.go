package uid

import (
	"encoding/hex"

	"github.com/google/uuid"
)

type UUIDOptions struct {
	// v4 或 v7
	Version string `cfg:"version" def:"v4" validate:"omitempty,oneof=v4 v7"`
	// 是否包含连字符
	WithHyphens bool `cfg:"withHyphens"`
}

type UUIDGenerator struct {
	version     string
	withHyphens bool
}

func NewUUIDGeneratorWithOptions(options *UUIDOptions) *UUIDGenerator {
	if options == nil {
		options = &UUIDOptions{}
	}
	return &UUIDGenerator{
		version:     options.Version,
		withHyphens: options.WithHyphens,
	}
}

func (g *UUIDGenerator) Generate() string {
	u := uuid.New()
	if g.version == "v7" {
		u = uuid.Must(uuid.NewV7())
	}
	if g.withHyphens {
		return u.String()
	}
	return hex.EncodeToString(u[:])
}

package transform

import (
	"context"
	"strings"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// CodeResolver loads script text for a code path
type CodeResolver interface {
	Read(ctx context.Context, ref string) ([]byte, error)
}

// resolveCode returns inline code, or the text at CodePath. A read failure
// is returned as a CodeResolution error alongside empty code.
func resolveCode(ctx context.Context, resolver CodeResolver, cfg PortConfig) (string, error) {
	if cfg.Code != "" {
		return cfg.Code, nil
	}
	if cfg.CodePath == "" {
		return "", nil
	}
	if resolver == nil {
		return "", cerrors.Newf(cerrors.CodeCodeResolution, "no code resolver for %s", cfg.CodePath)
	}
	data, err := resolver.Read(ctx, cfg.CodePath)
	if err != nil {
		return "", cerrors.NewError(cerrors.CodeCodeResolution, "unable to read code from "+cfg.CodePath, err)
	}
	return string(data), nil
}

func isBlank(code string) bool {
	return strings.TrimSpace(code) == ""
}

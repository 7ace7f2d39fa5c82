package hps

import (
	"errors"
	"fmt"

	"github.com/hupe1980/hps/config"
	"github.com/hupe1980/hps/lookup"
	"github.com/hupe1980/hps/ps"
	"github.com/hupe1980/hps/table"
)

var (
	// ErrConfig indicates a malformed or missing hierarchy configuration
	// file. Fatal at Init; the process should not proceed.
	ErrConfig = errors.New("config error")

	// ErrWrongInput indicates a missing or unreadable model file, a
	// malformed mock path, or a lookup call inconsistent with the deployed
	// geometry.
	ErrWrongInput = errors.New("wrong input")

	// ErrResource indicates a shared-memory allocation or mapping failure,
	// or an exhausted memory budget. Unrecoverable environment
	// misconfiguration; callers should abort rather than fall back.
	ErrResource = errors.New("resource error")

	// ErrNotInitialized indicates a forward or report call before Init
	// completed.
	ErrNotInitialized = errors.New("not initialized")

	// ErrInternalAbort carries a panic or internal failure caught at the
	// facade boundary. The host process stays alive; only the single call
	// is failed.
	ErrInternalAbort = errors.New("internal abort")
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, config.ErrInvalid) {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if errors.Is(err, table.ErrResource) {
		return fmt.Errorf("%w: %w", ErrResource, err)
	}

	if errors.Is(err, table.ErrWrongInput) ||
		errors.Is(err, lookup.ErrBadBatch) ||
		errors.Is(err, lookup.ErrUnknownModel) ||
		errors.Is(err, ps.ErrUnknownTable) {
		return fmt.Errorf("%w: %w", ErrWrongInput, err)
	}

	if errors.Is(err, lookup.ErrNotReady) {
		return fmt.Errorf("%w: %w", ErrNotInitialized, err)
	}

	return err
}

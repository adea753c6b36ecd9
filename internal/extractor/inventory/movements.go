package inventory

import "errors"

// ErrMovementsNotImplemented is returned by FetchMovements. The
// container-movements and WIP endpoints were disabled in the source
// system this engine was modeled on, with a note that they need
// verification against the upstream before being wired up; until that
// confirmation happens, this extractor only ingests containers.
var ErrMovementsNotImplemented = errors.New("inventory movements extraction is not implemented: upstream path and parameters need verification")

// FetchMovements is a placeholder for the inventory-movements/WIP
// domain called out in the source's disabled branch. It intentionally
// always fails so a caller cannot silently ingest from an unverified
// endpoint.
func (e *Extractor) FetchMovements() error {
	return ErrMovementsNotImplemented
}

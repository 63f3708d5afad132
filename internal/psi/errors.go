package psi

import "errors"

// ErrMalformedSection is returned when a section is too short or has the
// wrong table_id for the parser invoked.
var ErrMalformedSection = errors.New("psi: malformed section")

// ErrCRCMismatch is returned when a section's CRC-32 does not match its
// content (spec.md §7 psi_crc_error: discard the section, continue).
var ErrCRCMismatch = errors.New("psi: crc mismatch")

package uds

import "fmt"

// Config holds the tunables for an Index. Zero values are replaced with
// sane defaults by Open, the way folio.Open defaults an empty Config.
type Config struct {
	// Zones is the number of parallel execution zones (Z in spec.md §3).
	// Must be <= MaxZones. Zero defaults to 1.
	Zones int

	// NumDeltaLists is the number of delta lists the volume index's
	// non-hook subindex is split across. Must be >= Zones^2 (spec.md §3,
	// "distribution floor"). Zero defaults to Zones*Zones*8.
	NumDeltaLists int

	// RecordsPerChapter bounds how many records an open chapter holds
	// across all zones combined. Zero defaults to 1 << 16.
	RecordsPerChapter int

	// RecordsPerPage bounds how many records are grouped per on-disk
	// record page when a chapter is written. Zero defaults to 256.
	RecordsPerPage int

	// ChaptersPerVolume bounds newest-oldest (spec.md §3). Zero defaults
	// to 64.
	ChaptersPerVolume int

	// SparseChaptersPerVolume is how many of the newest ChaptersPerVolume
	// chapters are "sparse" (indexed only by sample) rather than "dense"
	// (indexed in full). Zero disables sparse indexing.
	SparseChaptersPerVolume int

	// SparseSampleRate gates which names are "hooks" (samples): a name is
	// a sample iff extractSampling(name) % SparseSampleRate == 0. Zero
	// disables the hook subindex entirely (spec.md §3).
	SparseSampleRate int

	// MeanDelta is the target mean address gap used to size delta-index
	// memory (spec.md §3). Zero defaults to 4096.
	MeanDelta uint64

	// AddressBits is the width of the address-within-list field taken
	// from a record name (spec.md §4.2, "address_bits <= 31"). Zero
	// defaults to 20.
	AddressBits uint

	// ChapterBits is the width of the index chapter-number payload
	// stored per delta-index entry (spec.md §3, "chapter_bits <= 32").
	// Zero defaults to 23.
	ChapterBits uint

	// NameBytes controls how many leading bytes of a RecordName feed
	// address/list/sample extraction (spec.md §4.2). Zero defaults to 8.
	NameBytes int

	// PageSize is the block size used by the buffered I/O layer (spec.md
	// §6). Zero defaults to 4096.
	PageSize int

	// CompressSaves, when true, wraps each saved stream in zstd after
	// the bit-exact payload is produced (see SPEC_FULL.md §4.2).
	CompressSaves bool

	// Logger receives overflow/IO-error diagnostics (spec.md §1 treats
	// logging as an external collaborator). Defaults to a rate-limited
	// zap-backed logger if nil.
	Logger Logger
}

// MaxZones bounds Z per spec.md §3.
const MaxZones = 8

const (
	defaultZones             = 1
	defaultRecordsPerChapter = 1 << 16
	defaultRecordsPerPage    = 256
	defaultChaptersPerVolume = 64
	defaultMeanDelta         = 4096
	defaultAddressBits       = 20
	defaultChapterBits       = 23
	defaultNameBytes         = 8
	defaultPageSize          = 4096
)

// withDefaults returns a copy of c with zero fields replaced by defaults,
// and validates the documented invariants.
func (c Config) withDefaults() (Config, error) {
	if c.Zones == 0 {
		c.Zones = defaultZones
	}
	if c.Zones < 1 || c.Zones > MaxZones {
		return c, wrap(KindInvalidArgument, errInvalidf("zones %d out of range [1,%d]", c.Zones, MaxZones))
	}
	if c.RecordsPerChapter == 0 {
		c.RecordsPerChapter = defaultRecordsPerChapter
	}
	if c.RecordsPerPage == 0 {
		c.RecordsPerPage = defaultRecordsPerPage
	}
	if c.ChaptersPerVolume == 0 {
		c.ChaptersPerVolume = defaultChaptersPerVolume
	}
	if c.SparseChaptersPerVolume >= c.ChaptersPerVolume {
		return c, wrap(KindInvalidArgument, errInvalidf("sparse chapters %d must be < chapters per volume %d", c.SparseChaptersPerVolume, c.ChaptersPerVolume))
	}
	if c.NumDeltaLists == 0 {
		c.NumDeltaLists = c.Zones * c.Zones * 8
	}
	if c.NumDeltaLists < c.Zones*c.Zones {
		return c, wrap(KindInvalidArgument, errInvalidf("num delta lists %d must be >= zones^2 (%d)", c.NumDeltaLists, c.Zones*c.Zones))
	}
	if c.MeanDelta == 0 {
		c.MeanDelta = defaultMeanDelta
	}
	if c.AddressBits == 0 {
		c.AddressBits = defaultAddressBits
	}
	if c.AddressBits > 31 {
		return c, wrap(KindInvalidArgument, errInvalidf("address bits %d exceeds 31", c.AddressBits))
	}
	if c.ChapterBits == 0 {
		c.ChapterBits = defaultChapterBits
	}
	if c.ChapterBits > 32 {
		return c, wrap(KindInvalidArgument, errInvalidf("chapter bits %d exceeds 32", c.ChapterBits))
	}
	if c.NameBytes == 0 {
		c.NameBytes = defaultNameBytes
	}
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.Logger == nil {
		c.Logger = newDefaultLogger()
	}
	return c, nil
}

// sparse reports whether sparse indexing is enabled (spec.md §3/§4.2).
func (c Config) sparse() bool {
	return c.SparseChaptersPerVolume > 0 && c.SparseSampleRate > 0
}

// chapterIsSparse reports whether vc falls in the trailing
// sparseChaptersPerVolume chapters closed at or before newestClosed
// (spec.md §GLOSSARY: "a chapter in the newest chapters_per_volume minus
// sparse_chapters_per_volume slots / beyond that cutoff"). Shared by the
// Request Pipeline's region classification and the Index Controller's
// rebuild replay so both agree on the same boundary.
func chapterIsSparse(vc, newestClosed uint64, sparseChaptersPerVolume int) bool {
	if sparseChaptersPerVolume <= 0 {
		return false
	}
	sc := uint64(sparseChaptersPerVolume)
	if newestClosed+1 < sc {
		return vc <= newestClosed
	}
	return vc > newestClosed-sc
}

func errInvalidf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

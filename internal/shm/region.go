package shm

import (
	"errors"
	"os"
	"unsafe"

	pkgerrors "github.com/yanun0323/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrSizeMismatch   = errors.New("shm: region size mismatch")
	ErrLayoutMismatch = errors.New("shm: region layout mismatch")
	ErrBadMagic       = errors.New("shm: region magic/version mismatch")
	ErrRegionFull     = errors.New("shm: record capacity exhausted")
	ErrRecordNotFound = errors.New("shm: record not found")
)

// Region is the writable handle to the shared risk segment. Exactly one
// process opens a Region; everyone else uses an Observer. The writer
// mutates records in place without locks, relying on the single-writer
// discipline.
type Region struct {
	fd   int
	data []byte
}

// Open maps the region at path with create-or-attach semantics. A fresh
// file is sized and initialized from the layout; an existing file must
// match the requested layout exactly, a size mismatch is never silently
// truncated.
func Open(path string, layout Layout) (*Region, error) {
	total := layout.total()
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open %s", path)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, pkgerrors.Wrapf(err, "stat %s", path)
	}

	fresh := st.Size == 0
	if fresh {
		if err := unix.Ftruncate(fd, int64(total)); err != nil {
			unix.Close(fd)
			return nil, pkgerrors.Wrapf(err, "size %s to %d bytes", path, total)
		}
	} else if st.Size != int64(total) {
		unix.Close(fd)
		return nil, pkgerrors.Wrapf(ErrSizeMismatch, "%s holds %d bytes, layout needs %d", path, st.Size, total)
	}

	data, err := unix.Mmap(fd, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, pkgerrors.Wrapf(err, "mmap %s", path)
	}

	r := &Region{fd: fd, data: data}
	h := r.hdr()
	if fresh {
		h.Magic = regionMagic
		h.Version = regionVersion
		h.Size = uint64(total)
		h.MaxInstr = uint32(layout.MaxInstr)
		h.MaxAsset = uint32(layout.MaxAsset)
		h.MaxCounter = uint32(layout.MaxCounter)
		return r, nil
	}

	if h.Magic != regionMagic || h.Version != regionVersion {
		r.Close()
		return nil, pkgerrors.Wrapf(ErrBadMagic, "magic: %#x, version: %d", h.Magic, h.Version)
	}
	if h.MaxInstr != uint32(layout.MaxInstr) ||
		h.MaxAsset != uint32(layout.MaxAsset) ||
		h.MaxCounter != uint32(layout.MaxCounter) {
		r.Close()
		return nil, pkgerrors.Wrapf(ErrLayoutMismatch,
			"existing: %d/%d/%d, requested: %d/%d/%d",
			h.MaxInstr, h.MaxAsset, h.MaxCounter,
			layout.MaxInstr, layout.MaxAsset, layout.MaxCounter)
	}
	return r, nil
}

// Close unmaps the region. Records written so far stay in the file for
// the next attach.
func (r *Region) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return err
		}
		r.data = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			return err
		}
		r.fd = -1
	}
	return nil
}

// Remove deletes the backing file. For tests and explicit resets only.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *Region) hdr() *header {
	return (*header)(unsafe.Pointer(&r.data[0]))
}

func (r *Region) instrOff() int {
	return headerSize
}

func (r *Region) assetOff() int {
	return r.instrOff() + int(r.hdr().MaxInstr)*instrSize
}

func (r *Region) counterOff() int {
	return r.assetOff() + int(r.hdr().MaxAsset)*assetSize
}

// SetMode mirrors the operating mode and relaxed flag for observers.
func (r *Region) SetMode(mode, relaxed uint32) {
	h := r.hdr()
	h.Mode = mode
	h.Relaxed = relaxed
}

// Mode returns the mirrored operating mode and relaxed flag.
func (r *Region) Mode() (mode, relaxed uint32) {
	h := r.hdr()
	return h.Mode, h.Relaxed
}

// SetTotals mirrors the writer's aggregate risk figures for observers.
func (r *Region) SetTotals(t Totals) {
	h := r.hdr()
	h.User = t.User
	h.NAVRFC = t.NAVRFC
	h.TotalRiskRFC = t.TotalRiskRFC
	h.ActiveOrdsRFC = t.ActiveOrdsRFC
	h.StateTs = t.Ts
}

// Totals returns the mirrored aggregate risk figures.
func (r *Region) Totals() Totals {
	h := r.hdr()
	return Totals{
		User:          h.User,
		NAVRFC:        h.NAVRFC,
		TotalRiskRFC:  h.TotalRiskRFC,
		ActiveOrdsRFC: h.ActiveOrdsRFC,
		Ts:            h.StateTs,
	}
}

// InstrCount returns the number of allocated instrument records.
func (r *Region) InstrCount() int { return int(r.hdr().NInstr) }

// InstrAt returns the i-th instrument record for in-place mutation.
func (r *Region) InstrAt(i int) *InstrRecord {
	if i < 0 || i >= int(r.hdr().NInstr) {
		return nil
	}
	return (*InstrRecord)(unsafe.Add(unsafe.Pointer(&r.data[0]), r.instrOff()+i*instrSize))
}

// AllocInstr finds or creates the record for (instrument, user).
func (r *Region) AllocInstr(instrument, user uint32) (*InstrRecord, error) {
	h := r.hdr()
	for i := 0; i < int(h.NInstr); i++ {
		rec := r.InstrAt(i)
		if rec.Instrument == instrument && rec.User == user {
			return rec, nil
		}
	}
	if h.NInstr >= h.MaxInstr {
		return nil, pkgerrors.Wrapf(ErrRegionFull, "instrument records: %d", h.MaxInstr)
	}
	rec := (*InstrRecord)(unsafe.Add(unsafe.Pointer(&r.data[0]), r.instrOff()+int(h.NInstr)*instrSize))
	*rec = InstrRecord{Instrument: instrument, User: user}
	h.NInstr++
	return rec, nil
}

// AssetCount returns the number of allocated asset records.
func (r *Region) AssetCount() int { return int(r.hdr().NAsset) }

// AssetAt returns the i-th asset record for in-place mutation.
func (r *Region) AssetAt(i int) *AssetRecord {
	if i < 0 || i >= int(r.hdr().NAsset) {
		return nil
	}
	return (*AssetRecord)(unsafe.Add(unsafe.Pointer(&r.data[0]), r.assetOff()+i*assetSize))
}

// AllocAsset finds or creates the record for (asset, settleDate, user).
func (r *Region) AllocAsset(asset, settleDate, user uint32) (*AssetRecord, error) {
	h := r.hdr()
	for i := 0; i < int(h.NAsset); i++ {
		rec := r.AssetAt(i)
		if rec.Asset == asset && rec.SettleDate == settleDate && rec.User == user {
			return rec, nil
		}
	}
	if h.NAsset >= h.MaxAsset {
		return nil, pkgerrors.Wrapf(ErrRegionFull, "asset records: %d", h.MaxAsset)
	}
	rec := (*AssetRecord)(unsafe.Add(unsafe.Pointer(&r.data[0]), r.assetOff()+int(h.NAsset)*assetSize))
	*rec = AssetRecord{Asset: asset, SettleDate: settleDate, User: user}
	h.NAsset++
	return rec, nil
}

// CounterCount returns the number of allocated counter records.
func (r *Region) CounterCount() int { return int(r.hdr().NCounter) }

// CounterAt returns the i-th counter record for in-place mutation.
func (r *Region) CounterAt(i int) *CounterRecord {
	if i < 0 || i >= int(r.hdr().NCounter) {
		return nil
	}
	return (*CounterRecord)(unsafe.Add(unsafe.Pointer(&r.data[0]), r.counterOff()+i*counterSize))
}

// AllocCounter finds or creates the counter record for a connector
// name, so a restarted process keeps accumulating into the same slot.
func (r *Region) AllocCounter(name string) (*CounterRecord, error) {
	h := r.hdr()
	for i := 0; i < int(h.NCounter); i++ {
		rec := r.CounterAt(i)
		if rec.NameString() == name {
			return rec, nil
		}
	}
	if h.NCounter >= h.MaxCounter {
		return nil, pkgerrors.Wrapf(ErrRegionFull, "counter records: %d", h.MaxCounter)
	}
	rec := (*CounterRecord)(unsafe.Add(unsafe.Pointer(&r.data[0]), r.counterOff()+int(h.NCounter)*counterSize))
	*rec = CounterRecord{}
	rec.SetName(name)
	h.NCounter++
	return rec, nil
}

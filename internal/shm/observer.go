package shm

import (
	"unsafe"

	pkgerrors "github.com/yanun0323/errors"
	"golang.org/x/sys/unix"
)

// Observer is a read-only attachment to an existing region, for
// monitoring processes. Reads are eventually consistent: the writer
// mutates in place, so a record may be read mid-update. Observers never
// mutate the mapping.
type Observer struct {
	fd   int
	data []byte
}

// Attach maps an existing region read-only. There is no create path:
// an observer before the writer is an error.
func Attach(path string) (*Observer, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open %s", path)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, pkgerrors.Wrapf(err, "stat %s", path)
	}
	if st.Size < int64(headerSize) {
		unix.Close(fd)
		return nil, pkgerrors.Wrapf(ErrSizeMismatch, "%s holds %d bytes", path, st.Size)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, pkgerrors.Wrapf(err, "mmap %s", path)
	}

	o := &Observer{fd: fd, data: data}
	h := o.hdr()
	if h.Magic != regionMagic || h.Version != regionVersion {
		o.Close()
		return nil, pkgerrors.Wrapf(ErrBadMagic, "magic: %#x, version: %d", h.Magic, h.Version)
	}
	if h.Size != uint64(st.Size) {
		o.Close()
		return nil, pkgerrors.Wrapf(ErrSizeMismatch, "header says %d bytes, file holds %d", h.Size, st.Size)
	}
	return o, nil
}

// Close unmaps the observer.
func (o *Observer) Close() error {
	if o.data != nil {
		if err := unix.Munmap(o.data); err != nil {
			return err
		}
		o.data = nil
	}
	if o.fd >= 0 {
		if err := unix.Close(o.fd); err != nil {
			return err
		}
		o.fd = -1
	}
	return nil
}

func (o *Observer) hdr() *header {
	return (*header)(unsafe.Pointer(&o.data[0]))
}

// Mode returns the writer's mirrored operating mode and relaxed flag.
func (o *Observer) Mode() (mode, relaxed uint32) {
	h := o.hdr()
	return h.Mode, h.Relaxed
}

// Totals returns the writer's mirrored aggregate risk figures.
func (o *Observer) Totals() Totals {
	h := o.hdr()
	return Totals{
		User:          h.User,
		NAVRFC:        h.NAVRFC,
		TotalRiskRFC:  h.TotalRiskRFC,
		ActiveOrdsRFC: h.ActiveOrdsRFC,
		Ts:            h.StateTs,
	}
}

// InstrCount returns the number of instrument records.
func (o *Observer) InstrCount() int { return int(o.hdr().NInstr) }

// InstrAt returns a copy of the i-th instrument record.
func (o *Observer) InstrAt(i int) (InstrRecord, bool) {
	if i < 0 || i >= o.InstrCount() {
		return InstrRecord{}, false
	}
	off := headerSize + i*instrSize
	return *(*InstrRecord)(unsafe.Add(unsafe.Pointer(&o.data[0]), off)), true
}

// AssetCount returns the number of asset records.
func (o *Observer) AssetCount() int { return int(o.hdr().NAsset) }

// AssetAt returns a copy of the i-th asset record.
func (o *Observer) AssetAt(i int) (AssetRecord, bool) {
	if i < 0 || i >= o.AssetCount() {
		return AssetRecord{}, false
	}
	off := headerSize + int(o.hdr().MaxInstr)*instrSize + i*assetSize
	return *(*AssetRecord)(unsafe.Add(unsafe.Pointer(&o.data[0]), off)), true
}

// CounterCount returns the number of counter records.
func (o *Observer) CounterCount() int { return int(o.hdr().NCounter) }

// CounterAt returns a copy of the i-th counter record.
func (o *Observer) CounterAt(i int) (CounterRecord, bool) {
	if i < 0 || i >= o.CounterCount() {
		return CounterRecord{}, false
	}
	off := headerSize + int(o.hdr().MaxInstr)*instrSize +
		int(o.hdr().MaxAsset)*assetSize + i*counterSize
	return *(*CounterRecord)(unsafe.Add(unsafe.Pointer(&o.data[0]), off)), true
}

// FindCounter looks a counter record up by connector name.
func (o *Observer) FindCounter(name string) (CounterRecord, error) {
	for i := 0; i < o.CounterCount(); i++ {
		rec, _ := o.CounterAt(i)
		if rec.NameString() == name {
			return rec, nil
		}
	}
	return CounterRecord{}, pkgerrors.Wrapf(ErrRecordNotFound, "counter: %s", name)
}

package filerecord

import (
	"fmt"

	"github.com/doughall/linuxrmm/bridge/internal/parcel"
)

// WriteParcel appends the record to w in the fixed field order.
func (r FileRecord) WriteParcel(w *parcel.Writer) {
	w.WriteString(r.Name)
	w.WriteString(r.Path)
	w.WriteString(r.AbsolutePath)
	w.WriteNullString(r.Parent)
	w.WriteBool(r.IsFile)
	w.WriteBool(r.IsHidden)
	w.WriteInt64(r.Length)
	w.WriteInt64(r.LastModified)
}

// Read decodes one record from r. On error the returned record is the zero
// value; fields are never partially populated.
func Read(r *parcel.Reader) (FileRecord, error) {
	var (
		rec FileRecord
		err error
	)
	if rec.Name, err = r.ReadString(); err != nil {
		return FileRecord{}, fmt.Errorf("file record name: %w", err)
	}
	if rec.Path, err = r.ReadString(); err != nil {
		return FileRecord{}, fmt.Errorf("file record path: %w", err)
	}
	if rec.AbsolutePath, err = r.ReadString(); err != nil {
		return FileRecord{}, fmt.Errorf("file record absolute path: %w", err)
	}
	if rec.Parent, err = r.ReadNullString(); err != nil {
		return FileRecord{}, fmt.Errorf("file record parent: %w", err)
	}
	if rec.IsFile, err = r.ReadBool(); err != nil {
		return FileRecord{}, fmt.Errorf("file record is_file: %w", err)
	}
	if rec.IsHidden, err = r.ReadBool(); err != nil {
		return FileRecord{}, fmt.Errorf("file record is_hidden: %w", err)
	}
	if rec.Length, err = r.ReadInt64(); err != nil {
		return FileRecord{}, fmt.Errorf("file record length: %w", err)
	}
	if rec.LastModified, err = r.ReadInt64(); err != nil {
		return FileRecord{}, fmt.Errorf("file record last modified: %w", err)
	}
	return rec, nil
}

// Encode returns the standalone encoding of r.
func Encode(r FileRecord) []byte {
	w := parcel.NewWriter()
	r.WriteParcel(w)
	return w.Bytes()
}

// Decode decodes a standalone encoding. Trailing bytes are an error.
func Decode(b []byte) (FileRecord, error) {
	r := parcel.NewReader(b)
	rec, err := Read(r)
	if err != nil {
		return FileRecord{}, err
	}
	if err := r.Finish(); err != nil {
		return FileRecord{}, fmt.Errorf("file record: %w", err)
	}
	return rec, nil
}

// WriteList appends a count-prefixed sequence of records.
func WriteList(w *parcel.Writer, records []FileRecord) {
	parcel.WriteSlice(w, records, func(w *parcel.Writer, rec FileRecord) {
		rec.WriteParcel(w)
	})
}

// ReadList decodes a count-prefixed sequence of records.
func ReadList(r *parcel.Reader) ([]FileRecord, error) {
	return parcel.ReadSlice(r, MinEncodedSize, Read)
}

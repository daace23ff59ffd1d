package protocol

import (
	"github.com/vmihailenco/msgpack/v5"
)

// TransferBuffer holds a sample slice that changes owner exactly once per
// fill. The producer fills it and sends it inside an AudioDataBatch; the
// consumer takes the samples out, after which the handle is detached and a
// second Take fails with *TransferError.
//
// Ownership moves with the channel send that carries the envelope, so the
// buffer needs no locking.
type TransferBuffer struct {
	id       uint32
	storage  []float32
	data     []float32
	detached bool
}

// NewTransferBuffer wraps data. id 0 marks a buffer that does not belong
// to a pool.
func NewTransferBuffer(id uint32, data []float32) *TransferBuffer {
	return &TransferBuffer{id: id, storage: data, data: data}
}

// NewPooledBuffer allocates capacity samples of storage and starts detached,
// ready for Fill.
func NewPooledBuffer(id uint32, capacity int) *TransferBuffer {
	return &TransferBuffer{id: id, storage: make([]float32, capacity), detached: true}
}

func (b *TransferBuffer) ID() uint32 { return b.id }

// Len returns the number of samples held, or 0 once detached.
func (b *TransferBuffer) Len() int {
	if b == nil || b.detached {
		return 0
	}
	return len(b.data)
}

// Detached reports whether the samples have been taken.
func (b *TransferBuffer) Detached() bool { return b.detached }

// Samples exposes the held samples without transferring them, for
// validation. It returns nil once detached.
func (b *TransferBuffer) Samples() []float32 {
	if b.detached {
		return nil
	}
	return b.data
}

// Take moves the samples out and detaches the handle.
func (b *TransferBuffer) Take() ([]float32, error) {
	if b.detached {
		return nil, &TransferError{BufferID: b.id, Err: ErrAlreadyTransferred}
	}
	data := b.data
	b.data = nil
	b.detached = true
	return data, nil
}

// CopyOrTake takes the samples if they are still attached, otherwise it
// copies fallback into dst. It is used where a consumer must proceed even
// if a duplicate delivery raced the original.
func (b *TransferBuffer) CopyOrTake(dst, fallback []float32) []float32 {
	if data, err := b.Take(); err == nil {
		return data
	}
	n := copy(dst, fallback)
	return dst[:n]
}

// Cap returns the storage capacity in samples.
func (b *TransferBuffer) Cap() int { return len(b.storage) }

// Fill copies samples into the buffer's own storage and re-attaches it. It
// returns the number of samples stored, which is less than len(samples)
// only when the storage is too small.
func (b *TransferBuffer) Fill(samples []float32) int {
	n := copy(b.storage, samples)
	b.data = b.storage[:n]
	b.detached = false
	return n
}

// EncodeMsgpack serializes the samples without detaching them.
func (b *TransferBuffer) EncodeMsgpack(enc *msgpack.Encoder) error {
	if b.detached {
		return &TransferError{BufferID: b.id, Err: ErrAlreadyTransferred}
	}
	return enc.Encode(b.data)
}

// DecodeMsgpack fills a fresh, unpooled buffer.
func (b *TransferBuffer) DecodeMsgpack(dec *msgpack.Decoder) error {
	var data []float32
	if err := dec.Decode(&data); err != nil {
		return err
	}
	b.id = 0
	b.storage = data
	b.data = data
	b.detached = false
	return nil
}

var (
	_ msgpack.CustomEncoder = (*TransferBuffer)(nil)
	_ msgpack.CustomDecoder = (*TransferBuffer)(nil)
)

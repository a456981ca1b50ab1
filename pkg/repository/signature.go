package repository

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// Signature is the hex blake2b-256 structural hash of a definition.
type Signature string

// signatureWriter writes length-prefixed fields so adjacent fields can
// never collide.
type signatureWriter struct {
	h hash.Hash
}

func newSignatureWriter() *signatureWriter {
	h, _ := blake2b.New256(nil)
	return &signatureWriter{h: h}
}

func (w *signatureWriter) field(data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	w.h.Write(length[:])
	w.h.Write(data)
}

func (w *signatureWriter) str(s string) {
	w.field([]byte(s))
}

func (w *signatureWriter) list(items []string) {
	w.str(strconv.Itoa(len(items)))
	for _, s := range items {
		w.str(s)
	}
}

func (w *signatureWriter) flag(b bool) {
	w.str(strconv.FormatBool(b))
}

// json writes a canonical JSON encoding; encoding/json sorts map keys.
func (w *signatureWriter) json(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(err.Error())
	}
	w.field(data)
}

func (w *signatureWriter) sum() Signature {
	return Signature(hex.EncodeToString(w.h.Sum(nil)))
}

// ComputeSignature hashes an inference together with its function concept.
// Status and runtime values never contribute.
func ComputeSignature(inf *Inference, fn *Concept) Signature {
	w := newSignatureWriter()

	w.str(string(inf.FlowIndex))
	w.str(inf.ConceptToInfer)
	w.str(inf.FunctionConcept)
	w.list(inf.ValueConcepts)
	w.list(inf.ContextConcepts)
	w.str(string(inf.SequenceKind))
	w.json(inf.WorkingInterpretation)
	w.flag(inf.Critical)
	w.flag(inf.Invariant)
	w.json(inf.MaxRetries)
	w.str(inf.Timeout)

	if fn != nil {
		w.str(fn.Name)
		w.str(string(fn.Kind))
		w.list(fn.Axes)
		if fn.initial != nil {
			w.json(fn.initial)
		} else {
			w.str("")
		}
	} else {
		w.str("")
	}

	return w.sum()
}

// Signatures computes the signature of every inference.
func Signatures(concepts *ConceptRepository, inferences *InferenceRepository) map[FlowIndex]Signature {
	out := make(map[FlowIndex]Signature, inferences.Len())
	for _, inf := range inferences.Sorted() {
		var fn *Concept
		if inf.FunctionConcept != "" {
			fn, _ = concepts.Get(inf.FunctionConcept)
		}
		out[inf.FlowIndex] = ComputeSignature(inf, fn)
	}
	return out
}

package ledger

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// AddressLength is the number of hash bytes kept in a derived address.
const AddressLength = 20

const (
	NamespacePlatform   = "platform"
	NamespaceAgent      = "agent"
	NamespaceTask       = "task"
	NamespaceEscrow     = "escrow"
	NamespaceSubmission = "submission"
	NamespaceMessage    = "message"
)

// Address is a 0x-prefixed lowercase hex account address.
type Address = string

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Derive computes a deterministic address from a namespace and seeds.
// The namespace is separated from the seeds by a zero byte so "task"+X
// and "tas"+"k"+X never collide.
func Derive(namespace string, seeds ...[]byte) Address {
	parts := make([][]byte, 0, len(seeds)+2)
	parts = append(parts, []byte(namespace), []byte{0})
	parts = append(parts, seeds...)
	h := Keccak256(parts...)
	return "0x" + hex.EncodeToString(h[len(h)-AddressLength:])
}

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func PlatformAddress() Address {
	return Derive(NamespacePlatform)
}

func AgentAddress(owner string) Address {
	return Derive(NamespaceAgent, []byte(owner))
}

func TaskAddress(id uint64) Address {
	return Derive(NamespaceTask, le64(id))
}

func EscrowAddress(id uint64) Address {
	return Derive(NamespaceEscrow, le64(id))
}

func SubmissionAddress(taskAddr Address, agent string) Address {
	return Derive(NamespaceSubmission, []byte(taskAddr), []byte(agent))
}

func MessageAddress(taskAddr Address, seq uint64) Address {
	return Derive(NamespaceMessage, []byte(taskAddr), le64(seq))
}

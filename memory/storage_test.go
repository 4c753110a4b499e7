package memory_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuvm/memory"
)

var _ = Describe("Storage", func() {
	It("should read and write in single unit", func() {
		storage := memory.NewStorage(4096)
		Expect(storage.Write(0, []byte{1, 2, 3, 4})).To(Succeed())

		res, _ := storage.Read(0, 2)
		Expect(res).To(Equal([]byte{1, 2}))

		res, _ = storage.Read(1, 2)
		Expect(res).To(Equal([]byte{2, 3}))
	})

	It("should read and write across units", func() {
		storage := memory.NewStorage(8192)
		Expect(storage.Write(4094, []byte{1, 2, 3, 4})).To(Succeed())

		res, _ := storage.Read(4094, 4)
		Expect(res).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("should read zeros from untouched units without allocating", func() {
		storage := memory.NewStorage(1 << 20)

		res, err := storage.Read(0x8000, 16)
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal(make([]byte, 16)))
		Expect(storage.TouchedUnits()).To(Equal(0))
	})

	It("should return error if accessing over the capacity", func() {
		storage := memory.NewStorage(4096)
		err := storage.Write(4096, []byte{1})
		Expect(errors.Is(err, memory.ErrOutOfRange)).To(BeTrue())

		_, err = storage.Read(4095, 2)
		Expect(errors.Is(err, memory.ErrOutOfRange)).To(BeTrue())
	})

	It("should memset with 8-byte patterns", func() {
		storage := memory.NewStorage(16384)
		Expect(storage.Memset(4088, 0x1122334455667788, 8, 16)).To(Succeed())

		v, err := storage.ReadUint64(4088)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint64(0x1122334455667788)))

		v, _ = storage.ReadUint64(4096)
		Expect(v).To(Equal(uint64(0x1122334455667788)))
	})

	It("should memset with 4-byte patterns", func() {
		storage := memory.NewStorage(4096)
		Expect(storage.Memset(0, 0xAABBCCDD, 4, 8)).To(Succeed())

		v, _ := storage.ReadUint64(0)
		Expect(v).To(Equal(uint64(0xAABBCCDDAABBCCDD)))
	})

	It("should skip untouched units when clearing", func() {
		storage := memory.NewStorage(1 << 20)
		Expect(storage.WriteUint64(0, 7)).To(Succeed())
		Expect(storage.Memset(0, 0, 8, 1<<20)).To(Succeed())

		v, _ := storage.ReadUint64(0)
		Expect(v).To(BeZero())
		Expect(storage.TouchedUnits()).To(Equal(1))
	})

	It("should reject misaligned memsets", func() {
		storage := memory.NewStorage(4096)
		Expect(storage.Memset(0, 0, 8, 12)).NotTo(Succeed())
		Expect(storage.Memset(0, 0, 2, 8)).NotTo(Succeed())
	})
})

//go:build unix && !linux

package disk

func (d *fileDisk) writev(startPos uint64, blocks []Block) error {
	for i, b := range blocks {
		if err := d.Write(startPos+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

// +build gofuzz

package pickle

func Fuzz(data []byte) int {
	_, err := NewUnpicklerFromBytes(data, Config{}).Load()
	if err != nil {
		return 0
	}
	return 1
}

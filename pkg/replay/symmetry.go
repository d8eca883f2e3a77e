package replay

// The 8 symmetries of the square, encoded as three bits:
// transpose, then flip rows, then flip columns.
const symmetryCount = 8

func transformCell(sym, n, row, col int) (int, int) {
	if sym&4 != 0 {
		row, col = col, row
	}
	if sym&2 != 0 {
		row = n - 1 - row
	}
	if sym&1 != 0 {
		col = n - 1 - col
	}
	return row, col
}

// applySymmetry maps channel-major square planes through the given
// symmetry. The slice length must be channels*n*n.
func applySymmetry(sym, channels, n int, data []float32) []float32 {
	if sym == 0 {
		return data
	}

	out := make([]float32, len(data))
	for c := 0; c < channels; c++ {
		plane := c * n * n
		for row := 0; row < n; row++ {
			for col := 0; col < n; col++ {
				r2, c2 := transformCell(sym, n, row, col)
				out[plane+r2*n+c2] = data[plane+row*n+col]
			}
		}
	}
	return out
}

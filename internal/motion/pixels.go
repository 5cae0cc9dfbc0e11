package motion

import "image"

// toGrayBlurred converts img to row-major float64 luminance and applies a
// separable 5x5 box blur as a cheap stand-in for the donor's 21x21
// Gaussian blur, trading blur radius for the lack of a vectorized image
// library in this dependency pack.
func toGrayBlurred(img image.Image) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gray := make([]float64, w*h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// ITU-R BT.601 luma, operating on the 16-bit channel values RGBA returns.
			gray[y*w+x] = 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
		}
	}

	return boxBlur(gray, w, h, 2)
}

func boxBlur(src []float64, w, h, radius int) []float64 {
	horiz := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, count := 0.0, 0
			for dx := -radius; dx <= radius; dx++ {
				nx := x + dx
				if nx < 0 || nx >= w {
					continue
				}
				sum += src[y*w+nx]
				count++
			}
			horiz[y*w+x] = sum / float64(count)
		}
	}

	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, count := 0.0, 0
			for dy := -radius; dy <= radius; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				sum += horiz[ny*w+x]
				count++
			}
			out[y*w+x] = sum / float64(count)
		}
	}
	return out
}

// motionMask computes |gray - background| > threshold, then dilates the
// binary result by `iterations` passes of a 3x3 structuring element,
// mirroring absdiff + threshold(25) + dilate(2) in the donor.
func motionMask(gray, background []float64, w, h int) []bool {
	const threshold = 25.0
	mask := make([]bool, w*h)
	for i := range gray {
		d := gray[i] - background[i]
		if d < 0 {
			d = -d
		}
		mask[i] = d > threshold
	}
	return dilate(mask, w, h, 2)
}

func dilate(mask []bool, w, h, iterations int) []bool {
	cur := mask
	for it := 0; it < iterations; it++ {
		next := make([]bool, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if cur[y*w+x] {
					next[y*w+x] = true
					continue
				}
				set := false
				for dy := -1; dy <= 1 && !set; dy++ {
					for dx := -1; dx <= 1 && !set; dx++ {
						nx, ny := x+dx, y+dy
						if nx < 0 || nx >= w || ny < 0 || ny >= h {
							continue
						}
						if cur[ny*w+nx] {
							set = true
						}
					}
				}
				next[y*w+x] = set
			}
		}
		cur = next
	}
	return cur
}

func applyExclusionZones(mask []bool, w, h int, zones []Zone, bounds image.Rectangle) {
	for _, z := range zones {
		zoneRect := image.Rect(z.X, z.Y, z.X+z.W, z.Y+z.H).Intersect(image.Rect(0, 0, w, h))
		if zoneRect.Empty() {
			continue
		}
		for y := zoneRect.Min.Y; y < zoneRect.Max.Y; y++ {
			for x := zoneRect.Min.X; x < zoneRect.Max.X; x++ {
				mask[y*w+x] = false
			}
		}
	}
}

// extractBlobs finds 4-connected components of set mask pixels, matching
// findContours+boundingRect+contourArea in spirit: a bounding box and pixel
// count per connected region, in a simple flood-fill instead of OpenCV's
// contour tracer.
func extractBlobs(mask []bool, w, h int) []blob {
	visited := make([]bool, w*h)
	var blobs []blob

	var stackBuf []int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if !mask[idx] || visited[idx] {
				continue
			}

			minX, minY, maxX, maxY := x, y, x, y
			count := 0

			stackBuf = stackBuf[:0]
			stackBuf = append(stackBuf, idx)
			visited[idx] = true

			for len(stackBuf) > 0 {
				n := stackBuf[len(stackBuf)-1]
				stackBuf = stackBuf[:len(stackBuf)-1]
				ny, nx := n/w, n%w
				count++
				if nx < minX {
					minX = nx
				}
				if nx > maxX {
					maxX = nx
				}
				if ny < minY {
					minY = ny
				}
				if ny > maxY {
					maxY = ny
				}

				neighbors := [4][2]int{{nx - 1, ny}, {nx + 1, ny}, {nx, ny - 1}, {nx, ny + 1}}
				for _, nb := range neighbors {
					px, py := nb[0], nb[1]
					if px < 0 || px >= w || py < 0 || py >= h {
						continue
					}
					nIdx := py*w + px
					if mask[nIdx] && !visited[nIdx] {
						visited[nIdx] = true
						stackBuf = append(stackBuf, nIdx)
					}
				}
			}

			bbox := image.Rect(minX, minY, maxX+1, maxY+1)
			if bbox.Dx()*bbox.Dy() == 0 {
				continue
			}
			blobs = append(blobs, blob{
				bbox: bbox,
				area: float64(count),
				centroid: Centroid{
					X: float64(minX+maxX) / 2.0,
					Y: float64(minY+maxY) / 2.0,
				},
			})
		}
	}

	return blobs
}

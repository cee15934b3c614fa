package imgx

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"

	"golang.org/x/image/bmp"

	"github.com/John-Robertt/binimg/internal/domain"
)

// SizeError 表示像素缓冲区长度与固定尺寸（256*256*3）不一致。
type SizeError struct {
	Got  int
	Want int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("像素缓冲区长度不正确：got=%d want=%d", e.Got, e.Want)
}

// EncodeBMP 把行优先的 RGB 像素块编码为 256x256、24 位的 BMP 文件字节。
//
// 约束：
// - 纯函数：无副作用、无共享可变状态，可并发调用
// - 长度不符直接失败，绝不产出畸形图片
// - alpha 固定 255：不透明的 RGBA 会被编码为 24 位 BMP
func EncodeBMP(pixels []byte) ([]byte, error) {
	if len(pixels) != domain.PixelBytes {
		return nil, &SizeError{Got: len(pixels), Want: domain.PixelBytes}
	}

	img := image.NewRGBA(image.Rect(0, 0, domain.ImageWidth, domain.ImageHeight))
	for i, j := 0, 0; i < len(pixels); i, j = i+domain.Channels, j+4 {
		img.Pix[j+0] = pixels[i+0]
		img.Pix[j+1] = pixels[i+1]
		img.Pix[j+2] = pixels[i+2]
		img.Pix[j+3] = 0xff
	}

	var out bytes.Buffer
	out.Grow(bmpFileSize)
	if err := bmp.Encode(&out, img); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// 24 位 BMP：14 字节文件头 + 40 字节 DIB 头 + 像素（256*3 已是 4 字节对齐，无需行填充）。
const bmpFileSize = 14 + 40 + domain.PixelBytes

// DecodeRGB 解码 BMP 文件字节，返回行优先的 RGB 像素块（用于校验产物）。
func DecodeRGB(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("bmp 为空")
	}
	img, err := bmp.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	r := img.Bounds()
	if r.Dx() != domain.ImageWidth || r.Dy() != domain.ImageHeight {
		return nil, fmt.Errorf("图片尺寸不符合预期：got=%dx%d want=%dx%d", r.Dx(), r.Dy(), domain.ImageWidth, domain.ImageHeight)
	}

	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, r.Min, draw.Src)
	}

	out := make([]byte, 0, domain.PixelBytes)
	for y := 0; y < r.Dy(); y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+r.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out, nil
}

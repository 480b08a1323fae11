package imgx

import (
	"errors"
	"image"
	_ "image/gif"  // 注册 GIF 解码器
	_ "image/jpeg" // 注册 JPEG 解码器
	_ "image/png"  // 注册 PNG 解码器
	"io"

	_ "golang.org/x/image/bmp"  // 注册 BMP 解码器
	_ "golang.org/x/image/webp" // 注册 WebP 解码器（<picture><source> 的首选格式）
)

// Info 是一张已完整解码的图片的最小描述。
type Info struct {
	Format string
	Width  int
	Height int
}

// ErrEmptyImage 表示解码成功但尺寸无效（0 宽或 0 高），这种图片无法绘制。
var ErrEmptyImage = errors.New("图片尺寸无效")

// Decode 完整解码 r 中的图片（而不只是读取头部）。
//
// “可绘制”的判定：像素数据全部解码成功，且宽高均大于 0。
// 只读 header（image.DecodeConfig）会把截断的文件当成成功，因此这里必须走 image.Decode。
func Decode(r io.Reader) (Info, error) {
	if r == nil {
		return Info{}, errors.New("reader 为空")
	}
	img, format, err := image.Decode(r)
	if err != nil {
		return Info{}, err
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Info{}, ErrEmptyImage
	}
	return Info{Format: format, Width: b.Dx(), Height: b.Dy()}, nil
}

package domain

// 容器内每条记录的像素块尺寸是固定的：256x256，RGB 三通道，行优先。
const (
	ImageWidth  = 256
	ImageHeight = 256
	Channels    = 3

	// PixelBytes 是单条记录像素块的字节数（256*256*3 = 196608）。
	PixelBytes = ImageWidth * ImageHeight * Channels
)

// ContainerFile 指向源目录下的一个容器文件（只做 stat，不读内容）。
type ContainerFile struct {
	AbsPath string
	Name    string
	Size    int64
}

// Record 是从容器中解析出的一条记录：1 字节 label + 固定长度像素块。
//
// Record 只在“解析 -> 编码”之间存在，不做持久化；每条记录持有独立的像素缓冲区。
type Record struct {
	Label  byte
	Pixels []byte
}

package container

// VirtualDisk is the external view of a known or mounted container.
type VirtualDisk struct {
	Path        string `json:"path" yaml:"path"`
	SizeBytes   uint64 `json:"sizeBytes" yaml:"sizeBytes"`
	IsMounted   bool   `json:"isMounted" yaml:"-"`
	DriveLetter string `json:"driveLetter" yaml:"-"`
}

// Info describes a container file without unlocking it.
type Info struct {
	Path         string `json:"path"`
	Version      uint16 `json:"version"`
	Cipher       string `json:"cipher"`
	KDF          string `json:"kdf"`
	KDFTime      uint32 `json:"kdfTime"`
	KDFMemory    uint32 `json:"kdfMemory"`
	KDFThreads   uint8  `json:"kdfThreads"`
	SectorSize   uint32 `json:"sectorSize"`
	SizeBytes    uint64 `json:"sizeBytes"`
	PhysicalSize int64  `json:"physicalSize"`
	FileSize     int64  `json:"fileSize"`
}

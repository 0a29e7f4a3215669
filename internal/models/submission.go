package models

// DrawingSubmission is the validated client request to process a drawing
type DrawingSubmission struct {
	OwnerID  string `json:"owner_id" validate:"required"`
	FileName string `json:"file_name" validate:"required"`
	Format   string `json:"format" validate:"required,oneof=pdf png jpg jpeg"`
	Content  []byte `json:"content" validate:"required"`
}

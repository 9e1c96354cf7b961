package catalog

// Parameter structs are reflected into JSON Schema. A field without
// omitempty is required. format=path marks parameters the policy gate
// checks against the path allow-list; format=app marks the application
// identifier checked against the app allow-list.

type createDirectoryParams struct {
	Path      string `json:"path" jsonschema:"format=path,minLength=1" jsonschema_description:"Full path where the directory should be created"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"default=true" jsonschema_description:"Create parent directories if they don't exist"`
}

type deleteDirectoryParams struct {
	Path      string `json:"path" jsonschema:"format=path,minLength=1" jsonschema_description:"Full path of the directory to delete"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"default=false" jsonschema_description:"Delete directory contents recursively"`
}

type searchFilesParams struct {
	Path      string `json:"path" jsonschema:"format=path,minLength=1" jsonschema_description:"Directory path to search in"`
	Pattern   string `json:"pattern" jsonschema_description:"Search pattern (e.g. '*.txt' or 'readme*')"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"default=true" jsonschema_description:"Search recursively in subdirectories"`
}

type listDirectoryParams struct {
	Path      string `json:"path" jsonschema:"format=path,minLength=1" jsonschema_description:"Directory path to list"`
	Recursive bool   `json:"recursive,omitempty" jsonschema:"default=false" jsonschema_description:"List contents recursively"`
}

type readTextFileParams struct {
	Path string `json:"path" jsonschema:"format=path,minLength=1" jsonschema_description:"Full path of the text file to read"`
}

type writeTextFileParams struct {
	Path    string `json:"path" jsonschema:"format=path,minLength=1" jsonschema_description:"Full path of the text file to write"`
	Content string `json:"content" jsonschema_description:"Text content to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"default=false" jsonschema_description:"Append to the file instead of overwriting"`
}

type transferFileParams struct {
	SourcePath      string `json:"source_path" jsonschema:"format=path,minLength=1" jsonschema_description:"Full path of the source file"`
	DestinationPath string `json:"destination_path" jsonschema:"format=path,minLength=1" jsonschema_description:"Full path of the destination file"`
	Overwrite       bool   `json:"overwrite,omitempty" jsonschema:"default=false" jsonschema_description:"Overwrite the destination if it exists"`
}

type deleteFileParams struct {
	Path    string `json:"path" jsonschema:"format=path,minLength=1" jsonschema_description:"Full path of the file to delete"`
	Confirm string `json:"confirm" jsonschema_description:"Type DELETE to confirm deletion"`
}

type openAppParams struct {
	AppName   string   `json:"app_name" jsonschema:"format=app,minLength=1" jsonschema_description:"Name of the application to open"`
	Arguments []string `json:"arguments,omitempty" jsonschema_description:"Optional command-line arguments"`
}

type closeAppParams struct {
	AppName string `json:"app_name" jsonschema:"format=app,minLength=1" jsonschema_description:"Name of the application to close"`
}

type deviceInfoParams struct {
	IncludeHardware bool `json:"include_hardware,omitempty" jsonschema:"default=true" jsonschema_description:"Include detailed hardware information"`
}

type noParams struct{}

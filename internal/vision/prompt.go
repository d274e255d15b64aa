package vision

const systemPrompt = "You convert static images of figures into approximate datasets and minimal plotting code. " +
	"When data is ambiguous, make reasonable numeric approximations and note them in assumptions."

const schemaDescription = "Return a JSON object with keys: is_graph (bool), graph_type (string), reason (string), " +
	"data (object with arrays/series suitable for plotting), python_code (string), assumptions (string). " +
	"In python_code, define a function recreate_plot(output_path: str) that recreates the plot using matplotlib " +
	"(Agg backend) and saves to output_path without showing UI."

func userPrompt(extraContext string) string {
	p := "You are a scientific figure analyzer. Determine if the image is a data visualization (graph/chart/plot). " +
		"If yes, extract approximate numeric data and produce Python code to reconstruct it. " +
		"Prefer simple lists of numbers over dataframes. Include title/axes/legend when inferable. " +
		"Do not use external files or network. Do not embed the image itself in output. " +
		"Schema: " + schemaDescription
	if extraContext != "" {
		p += "\nContext: " + extraContext
	}
	return p
}
